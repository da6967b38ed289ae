package ingest

import (
	"github.com/meridian-clinical/registry/pkg/docfile"
	"github.com/meridian-clinical/registry/pkg/learning"
)

type overrideKey struct {
	pageNumber int
	category   string
}

// OverrideIndex matches overrides to pages by (page_number, category).
// Array position is meaningless: re-extraction does not keep page order
// stable. When several overrides share a key, the latest override_date wins.
type OverrideIndex struct {
	byKey map[overrideKey]*docfile.Override
}

func BuildOverrideIndex(overrides []docfile.Override) *OverrideIndex {
	index := &OverrideIndex{byKey: make(map[overrideKey]*docfile.Override, len(overrides))}
	for i := range overrides {
		ov := &overrides[i]
		key := overrideKey{pageNumber: ov.PageNumber, category: ov.MatchCategory}
		existing, ok := index.byKey[key]
		if !ok || ov.OverrideDate > existing.OverrideDate {
			index.byKey[key] = ov
		}
	}
	return index
}

// For returns the winning override for a page, or nil.
func (ix *OverrideIndex) For(pageNumber int, category string) *docfile.Override {
	return ix.byKey[overrideKey{pageNumber: pageNumber, category: category}]
}

// EffectivePage holds a page's values after override application. These are
// the values resolution and linking run on; the raw page is stored verbatim
// regardless.
type EffectivePage struct {
	PageNumber     int
	Category       string
	IsPrimary      *bool
	Subject        docfile.SubjectBlock
	Address        docfile.AddressBlock
	Counterparty   docfile.CounterpartyBlock
	SpecialistName string
	HasOverride    bool
	OverrideReason string
	OverrideDate   string
}

// ApplyOverride computes a page's effective values. A present override
// block replaces the raw block entirely; sub-fields are never merged.
func ApplyOverride(page docfile.Page, ov *docfile.Override) EffectivePage {
	eff := EffectivePage{
		PageNumber:     page.PageNumber,
		Category:       page.Category,
		IsPrimary:      page.IsPrimary,
		SpecialistName: page.SpecialistName,
	}
	if page.Subject != nil {
		eff.Subject = *page.Subject
	}
	if page.Address != nil {
		eff.Address = *page.Address
	}
	if page.Counterparty != nil {
		eff.Counterparty = *page.Counterparty
	}

	if ov == nil {
		return eff
	}

	eff.HasOverride = true
	eff.OverrideReason = ov.OverrideReason
	eff.OverrideDate = ov.OverrideDate

	if ov.Subject != nil {
		eff.Subject = *ov.Subject
	}
	if ov.Address != nil {
		eff.Address = *ov.Address
	}
	if ov.Counterparty != nil {
		eff.Counterparty = *ov.Counterparty
	}
	if ov.Category != "" {
		eff.Category = ov.Category
	}
	if ov.IsPrimary != nil {
		eff.IsPrimary = ov.IsPrimary
	}
	if ov.SpecialistName != "" {
		eff.SpecialistName = ov.SpecialistName
	}

	return eff
}

// FieldDiffs lists every scalar raw-vs-effective pair for correction
// mining. Pages without an override contribute nothing.
func FieldDiffs(page docfile.Page, eff EffectivePage) []learning.FieldDiff {
	if !eff.HasOverride {
		return nil
	}

	var rawSubject docfile.SubjectBlock
	if page.Subject != nil {
		rawSubject = *page.Subject
	}
	var rawPhones docfile.Phones
	if rawSubject.Phones != nil {
		rawPhones = *rawSubject.Phones
	}
	var effPhones docfile.Phones
	if eff.Subject.Phones != nil {
		effPhones = *eff.Subject.Phones
	}
	var rawAddress docfile.AddressBlock
	if page.Address != nil {
		rawAddress = *page.Address
	}
	var rawCounterparty docfile.CounterpartyBlock
	if page.Counterparty != nil {
		rawCounterparty = *page.Counterparty
	}

	pairs := []struct {
		field     string
		raw       string
		effective string
	}{
		{"subject.full_name", rawSubject.FullName, eff.Subject.FullName},
		{"subject.identity_date", rawSubject.IdentityDate, eff.Subject.IdentityDate},
		{"subject.phones.home", rawPhones.Home, effPhones.Home},
		{"subject.phones.work", rawPhones.Work, effPhones.Work},
		{"subject.phones.mobile", rawPhones.Mobile, effPhones.Mobile},
		{"address.line_1", rawAddress.Line1, eff.Address.Line1},
		{"address.line_2", rawAddress.Line2, eff.Address.Line2},
		{"address.city", rawAddress.City, eff.Address.City},
		{"address.county", rawAddress.County, eff.Address.County},
		{"address.postcode", rawAddress.Postcode, eff.Address.Postcode},
		{"counterparty.name", rawCounterparty.Name, eff.Counterparty.Name},
		{"counterparty.organization", rawCounterparty.Organization, eff.Counterparty.Organization},
		{"counterparty.address", rawCounterparty.Address, eff.Counterparty.Address},
		{"counterparty.postcode", rawCounterparty.Postcode, eff.Counterparty.Postcode},
		{"counterparty.code", rawCounterparty.Code, eff.Counterparty.Code},
		{"specialist_name", page.SpecialistName, eff.SpecialistName},
	}

	var diffs []learning.FieldDiff
	for _, p := range pairs {
		if p.raw == p.effective {
			continue
		}
		diffs = append(diffs, learning.FieldDiff{
			PageNumber:   eff.PageNumber,
			Field:        p.field,
			RawValue:     p.raw,
			Corrected:    p.effective,
			OverrideDate: eff.OverrideDate,
		})
	}
	return diffs
}
