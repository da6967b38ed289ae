// Package report provides read-only aggregate queries over the canonical
// store: counts, duplicate-candidate surfacing, and a heuristic classifier
// over accumulated corrections. Nothing here mutates state; in particular,
// duplicate candidates are surfaced for human review, never auto-merged.
package report

import (
	"context"
	"strings"

	"github.com/meridian-clinical/registry/pkg/entity"
	"github.com/meridian-clinical/registry/pkg/ingest"
	"github.com/meridian-clinical/registry/pkg/learning"
	"github.com/meridian-clinical/registry/pkg/normalize"
	"gorm.io/gorm"
)

// DefaultKnownLabels are non-data strings the extraction pipeline commonly
// misreads as field values (form labels bleeding into data).
var DefaultKnownLabels = []string{
	"date of birth", "dob", "name", "full name", "surname", "first name",
	"address", "postcode", "post code", "tel", "telephone", "phone",
	"patient", "gp", "city", "town", "county",
}

type Service struct {
	db        *gorm.DB
	norm      *normalize.Normalizer
	labels    map[string]struct{}
	threshold float64
}

func NewService(db *gorm.DB, norm *normalize.Normalizer, knownLabels []string, similarityThreshold float64) *Service {
	if len(knownLabels) == 0 {
		knownLabels = DefaultKnownLabels
	}
	labels := make(map[string]struct{}, len(knownLabels))
	for _, l := range knownLabels {
		labels[strings.ToLower(strings.TrimSpace(l))] = struct{}{}
	}
	if similarityThreshold <= 0 {
		similarityThreshold = 0.80
	}
	return &Service{db: db, norm: norm, labels: labels, threshold: similarityThreshold}
}

type Stats struct {
	Documents                int64
	ExtractionRecords        int64
	ExtractionsWithOverrides int64
	Subjects                 int64
	SubjectsMultiDocument    int64
	Counterparties           int64
	CounterpartiesByKind     map[string]int64
	SubjectDocumentLinks     int64
	SubjectCounterpartyLinks int64
	Corrections              int64
	Aliases                  int64
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{CounterpartiesByKind: map[string]int64{}}

	counts := []struct {
		model interface{}
		dst   *int64
	}{
		{&ingest.Document{}, &stats.Documents},
		{&ingest.ExtractionRecord{}, &stats.ExtractionRecords},
		{&entity.Subject{}, &stats.Subjects},
		{&entity.Counterparty{}, &stats.Counterparties},
		{&entity.SubjectDocumentLink{}, &stats.SubjectDocumentLinks},
		{&entity.SubjectCounterpartyLink{}, &stats.SubjectCounterpartyLinks},
		{&learning.Correction{}, &stats.Corrections},
		{&learning.Alias{}, &stats.Aliases},
	}
	for _, c := range counts {
		if err := s.db.WithContext(ctx).Model(c.model).Count(c.dst).Error; err != nil {
			return nil, err
		}
	}

	err := s.db.WithContext(ctx).Model(&ingest.ExtractionRecord{}).
		Where("has_override = ?", true).
		Count(&stats.ExtractionsWithOverrides).Error
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Model(&entity.Subject{}).
		Where("document_count > 1").
		Count(&stats.SubjectsMultiDocument).Error
	if err != nil {
		return nil, err
	}

	var kinds []struct {
		Kind string
		Cnt  int64
	}
	err = s.db.WithContext(ctx).Model(&entity.Counterparty{}).
		Select("kind, count(*) as cnt").
		Group("kind").
		Scan(&kinds).Error
	if err != nil {
		return nil, err
	}
	for _, k := range kinds {
		stats.CounterpartiesByKind[k.Kind] = k.Cnt
	}

	return stats, nil
}

// SubjectCandidateGroup is a set of subjects sharing a normalized name but
// failing the exact dedup key — exactly what the false-separation policy
// declines to auto-resolve.
type SubjectCandidateGroup struct {
	NormalizedName string
	Subjects       []entity.Subject
}

func (s *Service) SubjectMergeCandidates(ctx context.Context, limit int) ([]SubjectCandidateGroup, error) {
	if limit <= 0 {
		limit = 30
	}

	var names []string
	err := s.db.WithContext(ctx).Model(&entity.Subject{}).
		Select("normalized_name").
		Group("normalized_name").
		Having("count(*) > 1").
		Order("count(*) DESC").
		Limit(limit).
		Pluck("normalized_name", &names).Error
	if err != nil {
		return nil, err
	}

	groups := make([]SubjectCandidateGroup, 0, len(names))
	for _, name := range names {
		var subjects []entity.Subject
		err := s.db.WithContext(ctx).
			Where("normalized_name = ?", name).
			Order("first_seen_at").
			Find(&subjects).Error
		if err != nil {
			return nil, err
		}
		groups = append(groups, SubjectCandidateGroup{NormalizedName: name, Subjects: subjects})
	}
	return groups, nil
}

type CounterpartyCandidateGroup struct {
	NormalizedName string
	Counterparties []entity.Counterparty
}

func (s *Service) CounterpartyMergeCandidates(ctx context.Context, limit int) ([]CounterpartyCandidateGroup, error) {
	if limit <= 0 {
		limit = 30
	}

	var names []string
	err := s.db.WithContext(ctx).Model(&entity.Counterparty{}).
		Select("normalized_name").
		Group("normalized_name").
		Having("count(*) > 1").
		Order("count(*) DESC").
		Limit(limit).
		Pluck("normalized_name", &names).Error
	if err != nil {
		return nil, err
	}

	groups := make([]CounterpartyCandidateGroup, 0, len(names))
	for _, name := range names {
		var cps []entity.Counterparty
		err := s.db.WithContext(ctx).
			Where("normalized_name = ?", name).
			Order("first_seen_at").
			Find(&cps).Error
		if err != nil {
			return nil, err
		}
		groups = append(groups, CounterpartyCandidateGroup{NormalizedName: name, Counterparties: cps})
	}
	return groups, nil
}

func (s *Service) TopCounterparties(ctx context.Context, limit int) ([]entity.Counterparty, error) {
	if limit <= 0 {
		limit = 20
	}
	var cps []entity.Counterparty
	err := s.db.WithContext(ctx).
		Order("document_count DESC").
		Limit(limit).
		Find(&cps).Error
	return cps, err
}

type TopLink struct {
	SubjectName      string
	CounterpartyName string
	Relation         string
	DocumentCount    int
}

func (s *Service) TopLinks(ctx context.Context, limit int) ([]TopLink, error) {
	if limit <= 0 {
		limit = 10
	}

	var links []entity.SubjectCounterpartyLink
	err := s.db.WithContext(ctx).
		Order("document_count DESC").
		Limit(limit).
		Find(&links).Error
	if err != nil {
		return nil, err
	}

	repo := entity.NewRepository(s.db)
	result := make([]TopLink, 0, len(links))
	for _, link := range links {
		subject, err := repo.GetSubject(ctx, link.SubjectID)
		if err != nil {
			return nil, err
		}
		cp, err := repo.GetCounterparty(ctx, link.CounterpartyID)
		if err != nil {
			return nil, err
		}
		result = append(result, TopLink{
			SubjectName:      subject.FullName,
			CounterpartyName: cp.FullName,
			Relation:         link.Relation,
			DocumentCount:    link.DocumentCount,
		})
	}
	return result, nil
}

// Issue is a common-issues classification over a correction.
type Issue string

const (
	IssueConcatenation      Issue = "concatenation"
	IssueLabelContamination Issue = "label_contamination"
	IssueNameOCRError       Issue = "name_ocr_error"
	IssueOther              Issue = "other"
)

type ClassifiedCorrection struct {
	learning.Correction
	Issue Issue
}

type CorrectionsReport struct {
	Corrections []ClassifiedCorrection
	Aliases     []learning.Alias
	IssueCounts map[Issue]int
}

func (s *Service) Corrections(ctx context.Context) (*CorrectionsReport, error) {
	repo := learning.NewRepository(s.db)

	corrections, err := repo.ListCorrections(ctx)
	if err != nil {
		return nil, err
	}
	aliases, err := repo.ListAliases(ctx)
	if err != nil {
		return nil, err
	}

	rep := &CorrectionsReport{
		Aliases:     aliases,
		IssueCounts: map[Issue]int{},
	}
	for _, c := range corrections {
		issue := s.Classify(c)
		rep.Corrections = append(rep.Corrections, ClassifiedCorrection{Correction: c, Issue: issue})
		rep.IssueCounts[issue]++
	}
	return rep, nil
}

// Classify applies the common-issues heuristics: label contamination (the
// raw value is a known non-data label), value concatenation (the raw value
// contains the corrected one plus extra characters), and name OCR error
// (two name-shaped values of similar length differing character-wise).
func (s *Service) Classify(c learning.Correction) Issue {
	raw := strings.TrimSpace(c.RawValue)
	corrected := strings.TrimSpace(c.CorrectedValue)

	if _, ok := s.labels[strings.ToLower(raw)]; ok {
		return IssueLabelContamination
	}

	if corrected != "" && len(raw) > len(corrected) && strings.Contains(raw, corrected) {
		return IssueConcatenation
	}

	if isNameShaped(raw) && isNameShaped(corrected) {
		lenDiff := len(raw) - len(corrected)
		if lenDiff < 0 {
			lenDiff = -lenDiff
		}
		rawKey := s.norm.Name(raw)
		correctedKey := s.norm.Name(corrected)
		if lenDiff <= 3 && rawKey != correctedKey && jaroWinkler(rawKey, correctedKey) >= s.threshold {
			return IssueNameOCRError
		}
	}

	return IssueOther
}

func isNameShaped(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z':
		case r == ' ' || r == '-' || r == '\'' || r == '’' || r == '.' || r == ',':
		default:
			return false
		}
	}
	return true
}
