// Package docfile reads the per-document extraction JSON produced by the
// upstream OCR pipeline. The engine owns only the "enriched" key inside
// these files; everything else is read-only input.
package docfile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Phones struct {
	Home   string `json:"home,omitempty"`
	Work   string `json:"work,omitempty"`
	Mobile string `json:"mobile,omitempty"`
}

type SubjectBlock struct {
	FullName     string  `json:"full_name,omitempty"`
	IdentityDate string  `json:"identity_date,omitempty"`
	Phones       *Phones `json:"phones,omitempty"`
}

type AddressBlock struct {
	Line1    string `json:"line_1,omitempty"`
	Line2    string `json:"line_2,omitempty"`
	City     string `json:"city,omitempty"`
	County   string `json:"county,omitempty"`
	Postcode string `json:"postcode,omitempty"`
}

type CounterpartyBlock struct {
	Name         string `json:"name,omitempty"`
	Organization string `json:"organization,omitempty"`
	Address      string `json:"address,omitempty"`
	Postcode     string `json:"postcode,omitempty"`
	Code         string `json:"code,omitempty"`
}

type ExtractionMeta struct {
	Method     string  `json:"method,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

type Page struct {
	PageNumber     int                `json:"page_number"`
	Category       string             `json:"category"`
	IsPrimary      *bool              `json:"is_primary,omitempty"`
	Subject        *SubjectBlock      `json:"subject,omitempty"`
	Address        *AddressBlock      `json:"address,omitempty"`
	Counterparty   *CounterpartyBlock `json:"counterparty,omitempty"`
	SpecialistName string             `json:"specialist_name,omitempty"`
	Extraction     *ExtractionMeta    `json:"extraction,omitempty"`

	// Extras carries raw page keys the engine does not model, preserved
	// verbatim onto the extraction record.
	Extras map[string]interface{} `json:"-"`
}

var knownPageKeys = map[string]struct{}{
	"page_number": {}, "category": {}, "is_primary": {}, "subject": {},
	"address": {}, "counterparty": {}, "specialist_name": {}, "extraction": {},
}

func (p *Page) UnmarshalJSON(data []byte) error {
	type pageAlias Page
	var alias pageAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range knownPageKeys {
		delete(raw, key)
	}
	if len(raw) > 0 {
		alias.Extras = raw
	}

	*p = Page(alias)
	return nil
}

// Override is a user-supplied correction record. Overrides match pages by
// (page_number, match_category), never by array position. A non-nil block
// replaces the raw block entirely; scalar fields replace when set.
type Override struct {
	PageNumber     int                `json:"page_number"`
	MatchCategory  string             `json:"match_category"`
	OverrideDate   string             `json:"override_date,omitempty"`
	OverrideReason string             `json:"override_reason,omitempty"`
	Category       string             `json:"category,omitempty"`
	IsPrimary      *bool              `json:"is_primary,omitempty"`
	SpecialistName string             `json:"specialist_name,omitempty"`
	Subject        *SubjectBlock      `json:"subject,omitempty"`
	Address        *AddressBlock      `json:"address,omitempty"`
	Counterparty   *CounterpartyBlock `json:"counterparty,omitempty"`
}

type File struct {
	DocumentID    string          `json:"document_id"`
	SchemaVersion int             `json:"schema_version,omitempty"`
	ExtractedAt   string          `json:"extracted_at,omitempty"`
	PageCount     int             `json:"page_count,omitempty"`
	Pages         []Page          `json:"pages"`
	Overrides     []Override      `json:"overrides,omitempty"`
	Enriched      json.RawMessage `json:"enriched,omitempty"`
}

// EnrichedKey is the single document key the engine owns and rewrites.
const EnrichedKey = "enriched"

// ContentHash computes the change-detection hash: the parsed content with
// the engine's own enrichment key removed, re-marshalled with sorted keys.
// Writing an enrichment snapshot therefore never marks a document changed.
func ContentHash(raw []byte) (string, error) {
	var content map[string]interface{}
	if err := json.Unmarshal(raw, &content); err != nil {
		return "", fmt.Errorf("parsing document content: %w", err)
	}
	delete(content, EnrichedKey)

	canonical, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("canonicalizing document content: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Read loads and parses one document file, returning the parsed document,
// its external id (the file stem) and its content hash.
func Read(path string) (*File, string, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", "", err
	}

	hash, err := ContentHash(raw)
	if err != nil {
		return nil, "", "", err
	}

	var doc File
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, "", "", fmt.Errorf("parsing document: %w", err)
	}
	if doc.Pages == nil {
		return nil, "", "", fmt.Errorf("document has no pages array")
	}

	externalID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if doc.DocumentID == "" {
		doc.DocumentID = externalID
	}

	return &doc, externalID, hash, nil
}

// List returns the document files under dir in stable lexicographic order.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading input directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}
