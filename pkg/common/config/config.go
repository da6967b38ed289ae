package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Store
	StorePath string `yaml:"store_path"`

	// Input
	InputDir string `yaml:"input_dir"`

	// Logging
	LogFile string `yaml:"log_file"`

	// Normalization
	HonorificTitles []string `yaml:"honorific_titles"`

	// Reporting
	KnownLabels             []string `yaml:"known_labels"`
	NameSimilarityThreshold float64  `yaml:"name_similarity_threshold"`
	MergeCandidateLimit     int      `yaml:"merge_candidate_limit"`
	TopEntityLimit          int      `yaml:"top_entity_limit"`
}

func Load() *Config {
	return &Config{
		StorePath:               getEnv("REGISTRY_STORE_PATH", "./registry.db"),
		InputDir:                getEnv("REGISTRY_INPUT_DIR", "./extractions"),
		LogFile:                 getEnv("REGISTRY_LOG_FILE", ""),
		NameSimilarityThreshold: getFloatEnv("REGISTRY_NAME_SIMILARITY_THRESHOLD", 0.80),
		MergeCandidateLimit:     getIntEnv("REGISTRY_MERGE_CANDIDATE_LIMIT", 30),
		TopEntityLimit:          getIntEnv("REGISTRY_TOP_ENTITY_LIMIT", 20),
	}
}

// LoadFile overlays settings from a YAML config file onto env defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Load()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
