package learning

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/meridian-clinical/registry/pkg/common/database"
	"github.com/meridian-clinical/registry/pkg/common/logger"
	"github.com/meridian-clinical/registry/pkg/normalize"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	logger.Init()

	db, err := database.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })

	repo := NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return repo
}

func TestMineRecordsOnlyRealCorrections(t *testing.T) {
	repo := newTestRepo(t)
	miner := NewMiner(repo, normalize.New(nil))
	ctx := context.Background()

	diffs := []FieldDiff{
		// Real correction: both sides populated, values differ.
		{PageNumber: 1, Field: "address.city", RawValue: "Date of birth", Corrected: "Crawley", OverrideDate: "2026-05-02T09:00:00Z"},
		// Fill-in of a blank field is not a correction of extracted text.
		{PageNumber: 1, Field: "address.county", RawValue: "", Corrected: "West Sussex"},
		// Clearing a spurious value is an erasure, not a correction pair.
		{PageNumber: 2, Field: "counterparty.code", RawValue: "XXXX", Corrected: ""},
	}

	mined, err := miner.Mine(ctx, "doc-001", diffs)
	if err != nil {
		t.Fatalf("mine: %v", err)
	}
	if mined != 1 {
		t.Fatalf("expected 1 mined correction, got %d", mined)
	}

	corrections, err := repo.ListCorrections(ctx)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(corrections) != 1 {
		t.Fatalf("expected 1 stored correction, got %d", len(corrections))
	}
	c := corrections[0]
	if c.Field != "address.city" || c.RawValue != "Date of birth" || c.CorrectedValue != "Crawley" {
		t.Errorf("wrong correction stored: %+v", c)
	}
	if c.MinedAt.IsZero() {
		t.Error("mined_at not stamped")
	}
}

func TestMineLearnsAliasForNameFields(t *testing.T) {
	repo := newTestRepo(t)
	miner := NewMiner(repo, normalize.New(nil))
	ctx := context.Background()

	diffs := []FieldDiff{
		{PageNumber: 1, Field: "subject.full_name", RawValue: "Adrian Zwertlik", Corrected: "Adrian Czwertlik"},
		{PageNumber: 1, Field: "specialist_name", RawValue: "Mr R J0nes", Corrected: "Mr R Jones"},
		// Casing-only change: normalizes identically, nothing to learn.
		{PageNumber: 2, Field: "counterparty.name", RawValue: "DR S PATEL", Corrected: "Dr S Patel"},
		// Non-name field never feeds the alias store.
		{PageNumber: 2, Field: "address.postcode", RawValue: "RH10 IAA", Corrected: "RH10 1AA"},
	}

	if _, err := miner.Mine(ctx, "doc-002", diffs); err != nil {
		t.Fatalf("mine: %v", err)
	}

	aliases, err := repo.ListAliases(ctx)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(aliases) != 2 {
		t.Fatalf("expected 2 aliases, got %d: %+v", len(aliases), aliases)
	}

	byVariant := map[string]Alias{}
	for _, a := range aliases {
		byVariant[a.Variant] = a
	}
	if a := byVariant["adrian zwertlik"]; a.Kind != "subject" || a.Canonical != "adrian czwertlik" {
		t.Errorf("subject alias wrong: %+v", a)
	}
	// The honorific and the digit drop out, so the variant key is "r jnes".
	if a := byVariant["r jnes"]; a.Kind != "counterparty" || a.Canonical != "r jones" {
		t.Errorf("specialist alias wrong: %+v", a)
	}
}

func TestUpsertAliasIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := repo.UpsertAlias(ctx, "subject", "jon smith", "john smith", "doc-003"); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	// A later correction revises the canonical form in place.
	if err := repo.UpsertAlias(ctx, "subject", "jon smith", "john smyth", "doc-004"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	aliases, err := repo.ListAliases(ctx)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(aliases) != 1 {
		t.Fatalf("expected a single alias row, got %d", len(aliases))
	}
	if aliases[0].OccurrenceCount != 4 || aliases[0].Canonical != "john smyth" {
		t.Errorf("alias not upserted in place: %+v", aliases[0])
	}

	canonical, ok, err := repo.Canonical(ctx, "subject", "jon smith")
	if err != nil || !ok || canonical != "john smyth" {
		t.Errorf("lookup: got %q ok=%v err=%v", canonical, ok, err)
	}
	if _, ok, _ := repo.Canonical(ctx, "counterparty", "jon smith"); ok {
		t.Error("alias kinds must not bleed into each other")
	}
}

func TestCorrectionsSupersedePerDocument(t *testing.T) {
	repo := newTestRepo(t)
	miner := NewMiner(repo, normalize.New(nil))
	ctx := context.Background()

	diff := []FieldDiff{{PageNumber: 1, Field: "address.city", RawValue: "Crwaley", Corrected: "Crawley"}}
	if _, err := miner.Mine(ctx, "doc-005", diff); err != nil {
		t.Fatalf("mine: %v", err)
	}
	if _, err := miner.Mine(ctx, "doc-006", diff); err != nil {
		t.Fatalf("mine: %v", err)
	}

	if err := repo.DeleteCorrectionsForDocument(ctx, "doc-005"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	corrections, err := repo.ListCorrections(ctx)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(corrections) != 1 || corrections[0].DocumentID != "doc-006" {
		t.Errorf("delete should only touch the named document: %+v", corrections)
	}
}
