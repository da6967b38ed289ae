package ingest

import (
	"testing"

	"github.com/meridian-clinical/registry/pkg/docfile"
)

func TestOverrideIndexMatchesByCompositeKey(t *testing.T) {
	overrides := []docfile.Override{
		{PageNumber: 1, MatchCategory: "gp", OverrideDate: "2026-05-02T09:00:00Z",
			Counterparty: &docfile.CounterpartyBlock{Name: "Dr Corrected"}},
	}
	index := BuildOverrideIndex(overrides)

	if ov := index.For(1, "patient"); ov != nil {
		t.Error("override for category gp must not match category patient on the same page")
	}
	if ov := index.For(2, "gp"); ov != nil {
		t.Error("override for page 1 must not match page 2")
	}
	if ov := index.For(1, "gp"); ov == nil {
		t.Error("override should match its own (page, category) key")
	}
}

func TestOverrideIndexLatestDateWins(t *testing.T) {
	overrides := []docfile.Override{
		{PageNumber: 1, MatchCategory: "subject", OverrideDate: "2026-05-01T09:00:00Z",
			Subject: &docfile.SubjectBlock{FullName: "First"}},
		{PageNumber: 1, MatchCategory: "subject", OverrideDate: "2026-05-03T09:00:00Z",
			Subject: &docfile.SubjectBlock{FullName: "Latest"}},
		{PageNumber: 1, MatchCategory: "subject", OverrideDate: "2026-05-02T09:00:00Z",
			Subject: &docfile.SubjectBlock{FullName: "Middle"}},
	}
	index := BuildOverrideIndex(overrides)

	ov := index.For(1, "subject")
	if ov == nil || ov.Subject.FullName != "Latest" {
		t.Fatalf("expected latest override to win, got %+v", ov)
	}
}

func TestApplyOverrideReplacesBlocksEntirely(t *testing.T) {
	page := docfile.Page{
		PageNumber: 1,
		Category:   "subject",
		Subject:    &docfile.SubjectBlock{FullName: "Raw Name", IdentityDate: "1956-03-01"},
		Address:    &docfile.AddressBlock{Line1: "1 High Street", City: "Date of birth"},
	}
	ov := &docfile.Override{
		PageNumber:    1,
		MatchCategory: "subject",
		OverrideDate:  "2026-05-02T09:00:00Z",
		Address:       &docfile.AddressBlock{City: "Crawley"},
	}

	eff := ApplyOverride(page, ov)

	if eff.Address.City != "Crawley" {
		t.Errorf("override city not applied: %q", eff.Address.City)
	}
	// Block replacement, not field merge: the override block had no line_1.
	if eff.Address.Line1 != "" {
		t.Errorf("raw line_1 should not survive a block replacement: %q", eff.Address.Line1)
	}
	// Untouched blocks pass through.
	if eff.Subject.FullName != "Raw Name" || eff.Subject.IdentityDate != "1956-03-01" {
		t.Errorf("subject block should be unchanged: %+v", eff.Subject)
	}
	if !eff.HasOverride || eff.OverrideDate != "2026-05-02T09:00:00Z" {
		t.Error("override bookkeeping missing")
	}
}

func TestApplyOverrideScalars(t *testing.T) {
	yes := true
	page := docfile.Page{PageNumber: 2, Category: "patient", SpecialistName: "Mr Raw"}
	ov := &docfile.Override{
		PageNumber:     2,
		MatchCategory:  "patient",
		Category:       "specialist",
		IsPrimary:      &yes,
		SpecialistName: "Mr R Jones",
	}

	eff := ApplyOverride(page, ov)
	if eff.Category != "specialist" {
		t.Errorf("category override not applied: %q", eff.Category)
	}
	if eff.IsPrimary == nil || !*eff.IsPrimary {
		t.Error("is_primary override not applied")
	}
	if eff.SpecialistName != "Mr R Jones" {
		t.Errorf("specialist_name override not applied: %q", eff.SpecialistName)
	}
}

func TestFieldDiffs(t *testing.T) {
	page := docfile.Page{
		PageNumber: 1,
		Category:   "subject",
		Subject:    &docfile.SubjectBlock{FullName: "Adrian Zwertlik"},
		Address:    &docfile.AddressBlock{City: "Date of birth", Postcode: "RH10 1AA"},
	}
	ov := &docfile.Override{
		PageNumber:    1,
		MatchCategory: "subject",
		OverrideDate:  "2026-05-02T09:00:00Z",
		Subject:       &docfile.SubjectBlock{FullName: "Adrian Czwertlik"},
		Address:       &docfile.AddressBlock{City: "Crawley", Postcode: "RH10 1AA"},
	}

	diffs := FieldDiffs(page, ApplyOverride(page, ov))

	byField := map[string][2]string{}
	for _, d := range diffs {
		byField[d.Field] = [2]string{d.RawValue, d.Corrected}
	}

	if got := byField["subject.full_name"]; got != [2]string{"Adrian Zwertlik", "Adrian Czwertlik"} {
		t.Errorf("unexpected name diff: %v", got)
	}
	if got := byField["address.city"]; got != [2]string{"Date of birth", "Crawley"} {
		t.Errorf("unexpected city diff: %v", got)
	}
	if _, ok := byField["address.postcode"]; ok {
		t.Error("unchanged postcode should not produce a diff")
	}
}

func TestFieldDiffsWithoutOverride(t *testing.T) {
	page := docfile.Page{
		PageNumber: 1,
		Category:   "subject",
		Subject:    &docfile.SubjectBlock{FullName: "Someone"},
	}
	if diffs := FieldDiffs(page, ApplyOverride(page, nil)); diffs != nil {
		t.Errorf("pages without overrides should contribute no diffs: %v", diffs)
	}
}
