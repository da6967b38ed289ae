package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/meridian-clinical/registry/pkg/common/database"
	"github.com/meridian-clinical/registry/pkg/common/logger"
	"github.com/meridian-clinical/registry/pkg/entity"
	"github.com/meridian-clinical/registry/pkg/learning"
	"github.com/meridian-clinical/registry/pkg/normalize"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB, string) {
	t.Helper()
	logger.Init()

	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "store.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })

	for _, migrate := range []func() error{
		NewRepository(db).AutoMigrate,
		entity.NewRepository(db).AutoMigrate,
		learning.NewRepository(db).AutoMigrate,
	} {
		if err := migrate(); err != nil {
			t.Fatalf("migrating: %v", err)
		}
	}

	inputDir := filepath.Join(dir, "input")
	if err := os.Mkdir(inputDir, 0o755); err != nil {
		t.Fatalf("creating input dir: %v", err)
	}
	return NewService(db, normalize.New(nil)), db, inputDir
}

func writeDoc(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

const referralDoc = `{
  "schema_version": 2,
  "extracted_at": "2026-04-01T10:00:00Z",
  "page_count": 2,
  "pages": [
    {
      "page_number": 1,
      "category": "patient",
      "subject": {"full_name": "Adrian Czwertlik", "identity_date": "1956-03-01",
                  "phones": {"home": "01293 555123"}},
      "address": {"line_1": "14 Oak Close", "city": "Crawley", "postcode": "RH10 1AA"},
      "extraction": {"method": "layout", "confidence": 0.91}
    },
    {
      "page_number": 2,
      "category": "gp",
      "counterparty": {"name": "Dr S Patel", "organization": "Mill Lane Surgery", "code": "G8812345"}
    }
  ]
}`

func TestRunIdempotent(t *testing.T) {
	svc, db, inputDir := newTestService(t)
	ctx := context.Background()
	writeDoc(t, inputDir, "referral-0001.json", referralDoc)

	stats, err := svc.Run(ctx, inputDir)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if stats.Processed != 1 || stats.Unchanged != 0 {
		t.Fatalf("first run stats: %+v", stats)
	}

	stats, err = svc.Run(ctx, inputDir)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.Processed != 0 || stats.Unchanged != 1 {
		t.Errorf("unchanged document was reprocessed: %+v", stats)
	}

	var recordCount, subjectCount int64
	db.Model(&ExtractionRecord{}).Count(&recordCount)
	db.Model(&entity.Subject{}).Count(&subjectCount)
	if recordCount != 2 {
		t.Errorf("expected 2 extraction records, got %d", recordCount)
	}
	if subjectCount != 1 {
		t.Errorf("expected 1 subject, got %d", subjectCount)
	}

	var subject entity.Subject
	if err := db.Where("normalized_name = ?", "adrian czwertlik").First(&subject).Error; err != nil {
		t.Fatalf("subject not found: %v", err)
	}
	if subject.DocumentCount != 1 {
		t.Errorf("unchanged re-run must not bump document count: %d", subject.DocumentCount)
	}
}

func TestChangedDocumentSupersedesRecords(t *testing.T) {
	svc, db, inputDir := newTestService(t)
	ctx := context.Background()
	writeDoc(t, inputDir, "referral-0001.json", referralDoc)
	if _, err := svc.Run(ctx, inputDir); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Re-extraction drops the GP page.
	changed := `{
  "pages": [
    {
      "page_number": 1,
      "category": "patient",
      "subject": {"full_name": "Adrian Czwertlik", "identity_date": "1956-03-01"}
    }
  ]
}`
	writeDoc(t, inputDir, "referral-0001.json", changed)

	stats, err := svc.Run(ctx, inputDir)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.Processed != 1 {
		t.Fatalf("changed document not reprocessed: %+v", stats)
	}

	records, err := NewRepository(db).ExtractionRecordsForDocument(ctx, "referral-0001")
	if err != nil {
		t.Fatalf("listing records: %v", err)
	}
	if len(records) != 1 || records[0].Category != "patient" {
		t.Errorf("old extraction rows should be superseded, got %d records", len(records))
	}
}

func TestRunSkipsMalformed(t *testing.T) {
	svc, _, inputDir := newTestService(t)
	writeDoc(t, inputDir, "broken.json", `{"pages": [`)
	writeDoc(t, inputDir, "no-pages.json", `{"document_id": "x"}`)
	writeDoc(t, inputDir, "referral-0001.json", referralDoc)

	stats, err := svc.Run(context.Background(), inputDir)
	if err != nil {
		t.Fatalf("run should survive malformed inputs: %v", err)
	}
	if stats.Processed != 1 || stats.Errors != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestOverrideMatchesByCompositeKeyInPipeline(t *testing.T) {
	svc, db, inputDir := newTestService(t)

	// The override targets (1, "gp") but the only page 1 row is "patient":
	// the raw values must go through untouched.
	doc := `{
  "pages": [
    {
      "page_number": 1,
      "category": "patient",
      "subject": {"full_name": "Mary Fletcher", "identity_date": "1948-11-30"}
    }
  ],
  "overrides": [
    {
      "page_number": 1,
      "match_category": "gp",
      "override_date": "2026-05-02T09:00:00Z",
      "subject": {"full_name": "Wrong Target", "identity_date": "1948-11-30"}
    }
  ]
}`
	writeDoc(t, inputDir, "referral-0002.json", doc)
	if _, err := svc.Run(context.Background(), inputDir); err != nil {
		t.Fatalf("run: %v", err)
	}

	var subjects []entity.Subject
	if err := db.Find(&subjects).Error; err != nil {
		t.Fatalf("listing subjects: %v", err)
	}
	if len(subjects) != 1 || subjects[0].NormalizedName != "mary fletcher" {
		t.Errorf("override with wrong category key was applied: %+v", subjects)
	}

	var correctionCount int64
	db.Model(&learning.Correction{}).Count(&correctionCount)
	if correctionCount != 0 {
		t.Errorf("unmatched override must not produce corrections, got %d", correctionCount)
	}
}

func TestOverrideCorrectionAndAliasCloseTheLoop(t *testing.T) {
	svc, db, inputDir := newTestService(t)
	ctx := context.Background()

	corrected := `{
  "pages": [
    {
      "page_number": 1,
      "category": "patient",
      "subject": {"full_name": "Adrian Zwertlik", "identity_date": "1956-03-01"}
    }
  ],
  "overrides": [
    {
      "page_number": 1,
      "match_category": "patient",
      "override_date": "2026-05-02T09:00:00Z",
      "override_reason": "OCR dropped the leading C",
      "subject": {"full_name": "Adrian Czwertlik", "identity_date": "1956-03-01"}
    }
  ]
}`
	writeDoc(t, inputDir, "referral-0003.json", corrected)
	if _, err := svc.Run(ctx, inputDir); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Resolution ran on the corrected name.
	var subject entity.Subject
	if err := db.Where("normalized_name = ?", "adrian czwertlik").First(&subject).Error; err != nil {
		t.Fatalf("corrected subject not found: %v", err)
	}

	// The raw value is stored verbatim alongside the override bookkeeping.
	records, err := NewRepository(db).ExtractionRecordsForDocument(ctx, "referral-0003")
	if err != nil || len(records) != 1 {
		t.Fatalf("records: %v (%d)", err, len(records))
	}
	if records[0].SubjectFullName != "Adrian Zwertlik" || !records[0].HasOverride {
		t.Errorf("raw values must survive override application: %+v", records[0])
	}

	corrections, err := learning.NewRepository(db).ListCorrections(ctx)
	if err != nil || len(corrections) != 1 {
		t.Fatalf("corrections: %v (%d)", err, len(corrections))
	}
	if corrections[0].Field != "subject.full_name" || corrections[0].CorrectedValue != "Adrian Czwertlik" {
		t.Errorf("unexpected correction: %+v", corrections[0])
	}

	// A later document carries the same OCR error without an override: the
	// learned alias routes it to the canonical subject.
	uncorrected := `{
  "pages": [
    {
      "page_number": 1,
      "category": "patient",
      "subject": {"full_name": "Adrian Zwertlik", "identity_date": "1956-03-01"}
    }
  ]
}`
	writeDoc(t, inputDir, "referral-0004.json", uncorrected)
	if _, err := svc.Run(ctx, inputDir); err != nil {
		t.Fatalf("second run: %v", err)
	}

	var subjectCount int64
	db.Model(&entity.Subject{}).Count(&subjectCount)
	if subjectCount != 1 {
		t.Fatalf("alias should prevent a duplicate subject, have %d", subjectCount)
	}

	var links []entity.SubjectDocumentLink
	if err := db.Where("subject_id = ?", subject.ID).Find(&links).Error; err != nil {
		t.Fatalf("links: %v", err)
	}
	if len(links) != 2 {
		t.Errorf("expected both documents linked to the canonical subject, got %d", len(links))
	}
}

func TestRelationshipMemoryIsAppendOnly(t *testing.T) {
	svc, db, inputDir := newTestService(t)
	ctx := context.Background()
	writeDoc(t, inputDir, "referral-0001.json", referralDoc)
	if _, err := svc.Run(ctx, inputDir); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// The subject changes GP; the document is re-extracted with the new one.
	changed := `{
  "pages": [
    {
      "page_number": 1,
      "category": "patient",
      "subject": {"full_name": "Adrian Czwertlik", "identity_date": "1956-03-01"}
    },
    {
      "page_number": 2,
      "category": "gp",
      "counterparty": {"name": "Dr T Nguyen", "organization": "High Street Practice", "code": "G2299871"}
    }
  ]
}`
	writeDoc(t, inputDir, "referral-0001.json", changed)
	if _, err := svc.Run(ctx, inputDir); err != nil {
		t.Fatalf("second run: %v", err)
	}

	var links []entity.SubjectCounterpartyLink
	if err := db.Find(&links).Error; err != nil {
		t.Fatalf("links: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("historical relationship must survive re-ingestion, got %d links", len(links))
	}

	names := map[string]bool{}
	for _, link := range links {
		cp, err := entity.NewRepository(db).GetCounterparty(ctx, link.CounterpartyID)
		if err != nil {
			t.Fatalf("counterparty: %v", err)
		}
		names[cp.NormalizedName] = true
	}
	if !names["s patel"] || !names["t nguyen"] {
		t.Errorf("expected links to both GPs, got %v", names)
	}
}

func TestSoleSubjectLinksCrossPageCounterparties(t *testing.T) {
	svc, db, inputDir := newTestService(t)
	writeDoc(t, inputDir, "referral-0001.json", referralDoc)
	if _, err := svc.Run(context.Background(), inputDir); err != nil {
		t.Fatalf("run: %v", err)
	}

	// The GP appears on page 2, the subject on page 1; the document has one
	// subject overall, so the relationship still holds.
	var link entity.SubjectCounterpartyLink
	if err := db.First(&link).Error; err != nil {
		t.Fatalf("expected a subject-counterparty link: %v", err)
	}
	if link.Relation != entity.KindReferrer || link.DocumentCount != 1 {
		t.Errorf("unexpected link: %+v", link)
	}
}

func TestAuthoritativeIdentityFromFilename(t *testing.T) {
	svc, db, inputDir := newTestService(t)

	// Page content misread a form label as the subject name; the filename
	// identity wins.
	doc := `{
  "pages": [
    {
      "page_number": 1,
      "category": "patient",
      "subject": {"full_name": "Date of birth", "identity_date": "1956-03-01"}
    }
  ]
}`
	writeDoc(t, inputDir, "Czwertlik, Adrian 01.03.56.json", doc)
	if _, err := svc.Run(context.Background(), inputDir); err != nil {
		t.Fatalf("run: %v", err)
	}

	var subjects []entity.Subject
	if err := db.Find(&subjects).Error; err != nil {
		t.Fatalf("subjects: %v", err)
	}
	if len(subjects) != 1 {
		t.Fatalf("expected 1 subject, got %d", len(subjects))
	}
	if subjects[0].NormalizedName != "adrian czwertlik" || subjects[0].IdentityDate != "1956-03-01" {
		t.Errorf("filename identity should take precedence: %+v", subjects[0])
	}
}

func TestAuthoritativeSubjectWithoutPageMentions(t *testing.T) {
	svc, db, inputDir := newTestService(t)

	// No page carries a subject block at all; the document still links to
	// the subject named by its identifier.
	doc := `{
  "pages": [
    {
      "page_number": 1,
      "category": "gp",
      "counterparty": {"name": "Dr S Patel", "code": "G8812345"}
    }
  ]
}`
	writeDoc(t, inputDir, "Fletcher, Mary 30.11.48.json", doc)
	if _, err := svc.Run(context.Background(), inputDir); err != nil {
		t.Fatalf("run: %v", err)
	}

	var subject entity.Subject
	if err := db.Where("normalized_name = ?", "mary fletcher").First(&subject).Error; err != nil {
		t.Fatalf("subject not created from identifier: %v", err)
	}

	var docLink entity.SubjectDocumentLink
	if err := db.Where("subject_id = ?", subject.ID).First(&docLink).Error; err != nil {
		t.Fatalf("document link missing: %v", err)
	}

	// And the sole-subject strategy still ties the GP to them.
	var cpLink entity.SubjectCounterpartyLink
	if err := db.Where("subject_id = ?", subject.ID).First(&cpLink).Error; err != nil {
		t.Fatalf("counterparty link missing: %v", err)
	}
}

func TestDuplicatePageCategoryKeepsFirst(t *testing.T) {
	svc, db, inputDir := newTestService(t)
	ctx := context.Background()

	// Two identical (page, category) rows plus an override matching that
	// key. Only the first row counts: one record, one correction, one
	// resolution.
	doc := `{
  "pages": [
    {
      "page_number": 1,
      "category": "patient",
      "subject": {"full_name": "Tom Okafor", "identity_date": "1980-06-15"},
      "address": {"city": "Date of birth"}
    },
    {
      "page_number": 1,
      "category": "patient",
      "subject": {"full_name": "Tom Okafor", "identity_date": "1980-06-15"},
      "address": {"city": "Date of birth"}
    }
  ],
  "overrides": [
    {
      "page_number": 1,
      "match_category": "patient",
      "override_date": "2026-05-02T09:00:00Z",
      "address": {"city": "Horsham"}
    }
  ]
}`
	writeDoc(t, inputDir, "referral-0005.json", doc)
	if _, err := svc.Run(ctx, inputDir); err != nil {
		t.Fatalf("run: %v", err)
	}

	var recordCount int64
	db.Model(&ExtractionRecord{}).Count(&recordCount)
	if recordCount != 1 {
		t.Errorf("duplicate (page, category) rows should collapse to one record, got %d", recordCount)
	}

	corrections, err := learning.NewRepository(db).ListCorrections(ctx)
	if err != nil {
		t.Fatalf("corrections: %v", err)
	}
	if len(corrections) != 1 {
		t.Errorf("skipped duplicate pages must not contribute diffs, got %d corrections", len(corrections))
	}

	var subject entity.Subject
	if err := db.Where("normalized_name = ?", "tom okafor").First(&subject).Error; err != nil {
		t.Fatalf("subject: %v", err)
	}
	if subject.DocumentCount != 1 {
		t.Errorf("skipped duplicate pages must not re-resolve entities, count %d", subject.DocumentCount)
	}
}

func TestExtrasPreservedOnRecord(t *testing.T) {
	svc, db, inputDir := newTestService(t)

	doc := `{
  "pages": [
    {
      "page_number": 1,
      "category": "patient",
      "subject": {"full_name": "Tom Okafor", "identity_date": "1980-06-15"},
      "ocr_engine": "tesseract-5",
      "bounding_boxes": [[0, 0, 100, 40]]
    }
  ]
}`
	writeDoc(t, inputDir, "referral-0006.json", doc)
	if _, err := svc.Run(context.Background(), inputDir); err != nil {
		t.Fatalf("run: %v", err)
	}

	records, err := NewRepository(db).ExtractionRecordsForDocument(context.Background(), "referral-0006")
	if err != nil || len(records) != 1 {
		t.Fatalf("records: %v (%d)", err, len(records))
	}
	if records[0].Extras["ocr_engine"] != "tesseract-5" {
		t.Errorf("unmodelled page keys should survive: %v", records[0].Extras)
	}
}
