package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/meridian-clinical/registry/pkg/common/logger"
	"github.com/meridian-clinical/registry/pkg/docfile"
	"github.com/meridian-clinical/registry/pkg/entity"
	"github.com/meridian-clinical/registry/pkg/identity"
	"github.com/meridian-clinical/registry/pkg/learning"
	"github.com/meridian-clinical/registry/pkg/normalize"
	"gorm.io/gorm"
)

// MalformedError marks a document that failed to parse as valid input. The
// run logs and skips it, leaving prior state for that external id untouched.
type MalformedError struct {
	reason error
}

func (e MalformedError) Error() string {
	return e.reason.Error()
}

func (e MalformedError) Unwrap() error {
	return e.reason
}

func IsMalformed(err error) bool {
	var me MalformedError
	return errors.As(err, &me)
}

type RunStats struct {
	Processed int
	Unchanged int
	Errors    int
}

// Service runs the per-document pipeline: change gate, override
// application, identity extraction, entity resolution, relationship
// linking, correction mining, persistence. Each document commits in a
// single store transaction.
type Service struct {
	db   *gorm.DB
	norm *normalize.Normalizer
}

func NewService(db *gorm.DB, norm *normalize.Normalizer) *Service {
	return &Service{db: db, norm: norm}
}

// Run ingests every new or changed document under inputDir in stable
// lexicographic order. Malformed documents are counted and skipped;
// persistence failures abort the run.
func (s *Service) Run(ctx context.Context, inputDir string) (RunStats, error) {
	var stats RunStats

	paths, err := docfile.List(inputDir)
	if err != nil {
		return stats, err
	}
	logger.WithFields(map[string]interface{}{
		"dir":   inputDir,
		"files": len(paths),
	}).Info("starting ingestion run")

	for _, path := range paths {
		processed, err := s.IngestFile(ctx, path)
		if err != nil {
			if IsMalformed(err) {
				logger.WithField("path", path).WithError(err).Warn("skipping malformed document")
				stats.Errors++
				continue
			}
			return stats, fmt.Errorf("ingesting %s: %w", path, err)
		}
		if processed {
			stats.Processed++
		} else {
			stats.Unchanged++
		}
	}

	logger.WithFields(map[string]interface{}{
		"processed": stats.Processed,
		"unchanged": stats.Unchanged,
		"errors":    stats.Errors,
	}).Info("ingestion run complete")
	return stats, nil
}

// IngestFile processes one document file. Returns false when the change
// gate found the content unchanged.
func (s *Service) IngestFile(ctx context.Context, path string) (bool, error) {
	doc, externalID, hash, err := docfile.Read(path)
	if err != nil {
		return false, MalformedError{reason: err}
	}

	stored, err := NewRepository(s.db).GetContentHash(ctx, externalID)
	if err != nil {
		return false, err
	}
	if stored == hash {
		return false, nil
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		return s.ingestDocument(ctx, tx, doc, externalID, hash)
	})
	if err != nil {
		return false, err
	}

	logger.WithField("document", externalID).Debug("document ingested")
	return true, nil
}

func (s *Service) ingestDocument(ctx context.Context, tx *gorm.DB, doc *docfile.File, externalID, hash string) error {
	docRepo := NewRepository(tx)
	entityRepo := entity.NewRepository(tx)
	learnRepo := learning.NewRepository(tx)
	resolver := entity.NewResolver(entityRepo, s.norm, learnRepo)
	miner := learning.NewMiner(learnRepo, s.norm)

	if err := docRepo.UpsertDocument(ctx, &Document{
		ExternalID:    externalID,
		ContentHash:   hash,
		SchemaVersion: doc.SchemaVersion,
		ExtractedAt:   doc.ExtractedAt,
		PageCount:     doc.PageCount,
	}); err != nil {
		return err
	}

	// Supersede this document's derived rows. Subject-counterparty links
	// stay: relationship memory is append-only.
	if err := docRepo.DeleteExtractionRecords(ctx, externalID); err != nil {
		return err
	}
	if err := learnRepo.DeleteCorrectionsForDocument(ctx, externalID); err != nil {
		return err
	}
	if err := entityRepo.DeleteSubjectDocumentLinks(ctx, externalID); err != nil {
		return err
	}

	overrides := BuildOverrideIndex(doc.Overrides)

	var authoritative *identity.Identity
	if id, ok := identity.FromExternalID(externalID); ok {
		authoritative = &id
	}

	type cpAttest struct {
		counterpartyID string
		relation       string
	}

	seenSubjects := map[string]struct{}{}
	seenCounterparties := map[cpAttest]struct{}{}
	pageSubjects := map[int]map[string]struct{}{}
	pageCounterparties := map[int]map[cpAttest]struct{}{}
	seenRecordKeys := map[overrideKey]struct{}{}
	var diffs []learning.FieldDiff

	for _, page := range doc.Pages {
		recordKey := overrideKey{pageNumber: page.PageNumber, category: page.Category}
		if _, dup := seenRecordKeys[recordKey]; dup {
			logger.WithFields(map[string]interface{}{
				"document": externalID,
				"page":     page.PageNumber,
				"category": page.Category,
			}).Warn("duplicate page/category row, keeping first")
			continue
		}
		seenRecordKeys[recordKey] = struct{}{}

		ov := overrides.For(page.PageNumber, page.Category)
		eff := ApplyOverride(page, ov)
		diffs = append(diffs, FieldDiffs(page, eff)...)

		var subjectID *string
		if eff.Subject.FullName != "" {
			mention := entity.SubjectMention{
				FullName:      eff.Subject.FullName,
				IdentityDate:  eff.Subject.IdentityDate,
				Address:       eff.Address,
				Authoritative: authoritative,
			}
			if eff.Subject.Phones != nil {
				mention.Phones = *eff.Subject.Phones
			}
			subject, err := resolver.ResolveSubject(ctx, mention)
			if err != nil {
				return err
			}
			if subject != nil {
				subjectID = &subject.ID
				seenSubjects[subject.ID] = struct{}{}
				addToPage(pageSubjects, eff.PageNumber, subject.ID)
				if err := entityRepo.UpsertSubjectDocumentLink(ctx, subject.ID, externalID); err != nil {
					return err
				}
			}
		}

		var counterpartyID *string
		if eff.Counterparty.Name != "" {
			cp, err := resolver.ResolveCounterparty(ctx, entity.CounterpartyMention{
				Name:         eff.Counterparty.Name,
				Kind:         entity.KindReferrer,
				Organization: eff.Counterparty.Organization,
				Address:      eff.Counterparty.Address,
				Postcode:     eff.Counterparty.Postcode,
				Code:         eff.Counterparty.Code,
			})
			if err != nil {
				return err
			}
			if cp != nil {
				counterpartyID = &cp.ID
				attest := cpAttest{counterpartyID: cp.ID, relation: entity.KindReferrer}
				seenCounterparties[attest] = struct{}{}
				addToPage(pageCounterparties, eff.PageNumber, attest)
			}
		}

		if eff.Category == "specialist" && eff.SpecialistName != "" {
			cp, err := resolver.ResolveCounterparty(ctx, entity.CounterpartyMention{
				Name: eff.SpecialistName,
				Kind: entity.KindSpecialist,
			})
			if err != nil {
				return err
			}
			if cp != nil {
				counterpartyID = &cp.ID
				attest := cpAttest{counterpartyID: cp.ID, relation: entity.KindSpecialist}
				seenCounterparties[attest] = struct{}{}
				addToPage(pageCounterparties, eff.PageNumber, attest)
			}
		}

		if err := docRepo.CreateExtractionRecord(ctx, buildRecord(externalID, page, eff, subjectID, counterpartyID)); err != nil {
			return err
		}
	}

	// A document whose identifier carries an identity keeps its subject even
	// when no page content mentions one.
	if authoritative != nil && len(seenSubjects) == 0 {
		subject, err := resolver.ResolveSubject(ctx, entity.SubjectMention{Authoritative: authoritative})
		if err != nil {
			return err
		}
		if subject != nil {
			seenSubjects[subject.ID] = struct{}{}
			if err := entityRepo.UpsertSubjectDocumentLink(ctx, subject.ID, externalID); err != nil {
				return err
			}
		}
	}

	if _, err := miner.Mine(ctx, externalID, diffs); err != nil {
		return err
	}

	// Linking: same-page co-occurrence first, then every counterparty when
	// the document resolved exactly one subject overall.
	linked := map[string]struct{}{}
	link := func(subjectID string, attest cpAttest) error {
		pairKey := subjectID + "\x00" + attest.counterpartyID + "\x00" + attest.relation
		if _, done := linked[pairKey]; done {
			return nil
		}
		linked[pairKey] = struct{}{}
		return entityRepo.UpsertSubjectCounterpartyLink(ctx, subjectID, attest.counterpartyID, attest.relation)
	}

	for pageNumber, subjects := range pageSubjects {
		for subjectID := range subjects {
			for attest := range pageCounterparties[pageNumber] {
				if err := link(subjectID, attest); err != nil {
					return err
				}
			}
		}
	}

	if len(seenSubjects) == 1 {
		var sole string
		for subjectID := range seenSubjects {
			sole = subjectID
		}
		for attest := range seenCounterparties {
			if err := link(sole, attest); err != nil {
				return err
			}
		}
	}

	return nil
}

func buildRecord(externalID string, page docfile.Page, eff EffectivePage, subjectID, counterpartyID *string) *ExtractionRecord {
	rec := &ExtractionRecord{
		DocumentID:     externalID,
		PageNumber:     page.PageNumber,
		Category:       page.Category,
		IsPrimary:      page.IsPrimary,
		SubjectID:      subjectID,
		CounterpartyID: counterpartyID,
		SpecialistName: page.SpecialistName,
		HasOverride:    eff.HasOverride,
		OverrideReason: eff.OverrideReason,
		OverrideDate:   eff.OverrideDate,
		Extras:         page.Extras,
	}

	if page.Subject != nil {
		rec.SubjectFullName = page.Subject.FullName
		rec.SubjectIdentityDate = page.Subject.IdentityDate
		if page.Subject.Phones != nil {
			rec.PhoneHome = page.Subject.Phones.Home
			rec.PhoneWork = page.Subject.Phones.Work
			rec.PhoneMobile = page.Subject.Phones.Mobile
		}
	}
	if page.Address != nil {
		rec.AddressLine1 = page.Address.Line1
		rec.AddressLine2 = page.Address.Line2
		rec.City = page.Address.City
		rec.County = page.Address.County
		rec.Postcode = page.Address.Postcode
	}
	if page.Counterparty != nil {
		rec.CounterpartyName = page.Counterparty.Name
		rec.CounterpartyOrganization = page.Counterparty.Organization
		rec.CounterpartyAddress = page.Counterparty.Address
		rec.CounterpartyPostcode = page.Counterparty.Postcode
		rec.CounterpartyCode = page.Counterparty.Code
	}
	if page.Extraction != nil {
		rec.ExtractionMethod = page.Extraction.Method
		rec.ExtractionConfidence = page.Extraction.Confidence
	}

	return rec
}

func addToPage[K comparable](pages map[int]map[K]struct{}, pageNumber int, key K) {
	set, ok := pages[pageNumber]
	if !ok {
		set = map[K]struct{}{}
		pages[pageNumber] = set
	}
	set[key] = struct{}{}
}
