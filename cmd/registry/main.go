package main

import (
	"context"
	"fmt"
	"os"

	"github.com/meridian-clinical/registry/pkg/common/config"
	"github.com/meridian-clinical/registry/pkg/common/database"
	"github.com/meridian-clinical/registry/pkg/common/logger"
	"github.com/meridian-clinical/registry/pkg/enrich"
	"github.com/meridian-clinical/registry/pkg/entity"
	"github.com/meridian-clinical/registry/pkg/ingest"
	"github.com/meridian-clinical/registry/pkg/learning"
	"github.com/meridian-clinical/registry/pkg/normalize"
	"github.com/meridian-clinical/registry/pkg/report"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var (
	flagStorePath string
	flagInputDir  string
	flagConfig    string
	flagVerbose   bool
)

type app struct {
	cfg  *config.Config
	db   *gorm.DB
	norm *normalize.Normalizer
}

func main() {
	root := &cobra.Command{
		Use:           "registry",
		Short:         "Canonical entity registry over per-document extraction records",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&flagStorePath, "store-path", "", "path to the store database")
	root.PersistentFlags().StringVar(&flagInputDir, "input-dir", "", "directory of extraction JSON files")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config file")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		&cobra.Command{
			Use:   "ingest",
			Short: "Process new and changed documents (default)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runIngest(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "enrich",
			Short: "Ingest, then write enrichment snapshots back into documents",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runEnrich(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Print store statistics",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStats(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "merge-candidates",
			Short: "List potential duplicate entity groups for review",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMergeCandidates(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "corrections",
			Short: "Print recorded corrections, learned aliases and common issues",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCorrections(cmd.Context())
			},
		},
	)

	if err := root.Execute(); err != nil {
		if logger.Log != nil {
			logger.Log.WithError(err).Error("run failed")
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func setup() (*app, error) {
	logger.Init()
	if flagVerbose {
		logger.SetVerbose()
	}

	cfg := config.Load()
	if flagConfig != "" {
		loaded, err := config.LoadFile(flagConfig)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if flagStorePath != "" {
		cfg.StorePath = flagStorePath
	}
	if flagInputDir != "" {
		cfg.InputDir = flagInputDir
	}
	if cfg.LogFile != "" {
		logger.EnableFile(cfg.LogFile)
	}

	db, err := database.Open(cfg.StorePath)
	if err != nil {
		return nil, err
	}

	if err := ingest.NewRepository(db).AutoMigrate(); err != nil {
		return nil, fmt.Errorf("migrating document tables: %w", err)
	}
	if err := entity.NewRepository(db).AutoMigrate(); err != nil {
		return nil, fmt.Errorf("migrating entity tables: %w", err)
	}
	if err := learning.NewRepository(db).AutoMigrate(); err != nil {
		return nil, fmt.Errorf("migrating learning tables: %w", err)
	}

	return &app{cfg: cfg, db: db, norm: normalize.New(cfg.HonorificTitles)}, nil
}

func runIngest(ctx context.Context) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer database.Close(a.db)

	stats, err := ingest.NewService(a.db, a.norm).Run(ctx, a.cfg.InputDir)
	if err != nil {
		return err
	}
	fmt.Printf("Ingestion complete: %d processed, %d unchanged, %d errors\n",
		stats.Processed, stats.Unchanged, stats.Errors)
	return printStats(ctx, a)
}

func runEnrich(ctx context.Context) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer database.Close(a.db)

	if _, err := ingest.NewService(a.db, a.norm).Run(ctx, a.cfg.InputDir); err != nil {
		return err
	}

	stats, err := enrich.NewWriter(a.db, a.norm).Run(ctx, a.cfg.InputDir)
	if err != nil {
		return err
	}
	fmt.Printf("Enrichment complete: %d written, %d unchanged, %d errors\n",
		stats.Written, stats.Skipped, stats.Errors)
	return nil
}

func runStats(ctx context.Context) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer database.Close(a.db)
	return printStats(ctx, a)
}

func printStats(ctx context.Context, a *app) error {
	svc := report.NewService(a.db, a.norm, a.cfg.KnownLabels, a.cfg.NameSimilarityThreshold)

	stats, err := svc.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Println("\nRegistry Statistics")
	fmt.Println("=============================================")
	fmt.Printf("  Documents:                    %6d\n", stats.Documents)
	fmt.Printf("  Extraction records:           %6d\n", stats.ExtractionRecords)
	fmt.Printf("    with overrides:             %6d\n", stats.ExtractionsWithOverrides)
	fmt.Printf("  Subjects (deduplicated):      %6d\n", stats.Subjects)
	fmt.Printf("    in multiple documents:      %6d\n", stats.SubjectsMultiDocument)
	fmt.Printf("  Counterparties:               %6d\n", stats.Counterparties)
	for kind, count := range stats.CounterpartiesByKind {
		fmt.Printf("    %-27s %6d\n", kind+":", count)
	}
	fmt.Printf("  Subject-document links:       %6d\n", stats.SubjectDocumentLinks)
	fmt.Printf("  Subject-counterparty links:   %6d\n", stats.SubjectCounterpartyLinks)
	fmt.Printf("  Corrections:                  %6d\n", stats.Corrections)
	fmt.Printf("  Learned aliases:              %6d\n", stats.Aliases)

	top, err := svc.TopCounterparties(ctx, a.cfg.TopEntityLimit)
	if err != nil {
		return err
	}
	if len(top) > 0 {
		fmt.Printf("\nTop counterparties by document count\n")
		for _, cp := range top {
			org := ""
			if cp.Organization != "" {
				org = " (" + cp.Organization + ")"
			}
			fmt.Printf("  %4dx  %-12s %s%s\n", cp.DocumentCount, cp.Kind, cp.FullName, org)
		}
	}

	links, err := svc.TopLinks(ctx, 10)
	if err != nil {
		return err
	}
	if len(links) > 0 {
		fmt.Printf("\nMost-attested subject-counterparty links\n")
		for _, l := range links {
			fmt.Printf("  %3dx  %-30s -> %s (%s)\n", l.DocumentCount, l.SubjectName, l.CounterpartyName, l.Relation)
		}
	}

	return nil
}

func runMergeCandidates(ctx context.Context) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer database.Close(a.db)

	svc := report.NewService(a.db, a.norm, a.cfg.KnownLabels, a.cfg.NameSimilarityThreshold)

	subjectGroups, err := svc.SubjectMergeCandidates(ctx, a.cfg.MergeCandidateLimit)
	if err != nil {
		return err
	}
	cpGroups, err := svc.CounterpartyMergeCandidates(ctx, a.cfg.MergeCandidateLimit)
	if err != nil {
		return err
	}

	if len(subjectGroups) == 0 && len(cpGroups) == 0 {
		fmt.Println("No merge candidates found.")
		return nil
	}

	if len(subjectGroups) > 0 {
		fmt.Printf("\nPotential duplicate subjects (%d groups)\n", len(subjectGroups))
		fmt.Println("================================================================")
		for _, g := range subjectGroups {
			fmt.Printf("\n  [%d records] %s\n", len(g.Subjects), g.NormalizedName)
			for _, subject := range g.Subjects {
				date := subject.IdentityDate
				if date == "" {
					date = "?"
				}
				fmt.Printf("    %s: %s (identity date: %s)\n", subject.ID, subject.FullName, date)
			}
		}
	}

	if len(cpGroups) > 0 {
		fmt.Printf("\nPotential duplicate counterparties (%d groups)\n", len(cpGroups))
		fmt.Println("================================================================")
		for _, g := range cpGroups {
			fmt.Printf("\n  [%d records] %s\n", len(g.Counterparties), g.NormalizedName)
			for _, cp := range g.Counterparties {
				code := cp.ExternalCode
				if code == "" {
					code = "?"
				}
				fmt.Printf("    %s: %s [%s, code: %s]\n", cp.ID, cp.FullName, cp.Kind, code)
			}
		}
	}

	return nil
}

func runCorrections(ctx context.Context) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer database.Close(a.db)

	svc := report.NewService(a.db, a.norm, a.cfg.KnownLabels, a.cfg.NameSimilarityThreshold)
	rep, err := svc.Corrections(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("\nRecorded corrections (%d)\n", len(rep.Corrections))
	fmt.Println("================================================================")
	for _, c := range rep.Corrections {
		fmt.Printf("  %-40s p%-3d %-26s %q -> %q [%s]\n",
			c.DocumentID, c.PageNumber, c.Field, c.RawValue, c.CorrectedValue, c.Issue)
	}

	fmt.Printf("\nLearned aliases (%d)\n", len(rep.Aliases))
	fmt.Println("================================================================")
	for _, alias := range rep.Aliases {
		fmt.Printf("  %-14s %q -> %q (seen %dx)\n",
			alias.Kind, alias.Variant, alias.Canonical, alias.OccurrenceCount)
	}

	if len(rep.IssueCounts) > 0 {
		fmt.Println("\nCommon issues")
		fmt.Println("================================================================")
		for issue, count := range rep.IssueCounts {
			fmt.Printf("  %-22s %6d\n", issue, count)
		}
	}

	return nil
}
