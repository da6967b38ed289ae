package ingest

import (
	"time"

	"gorm.io/datatypes"
)

// Document is one ingested source record, keyed by external id. Created on
// first sight, hash-updated on re-ingestion, never deleted.
type Document struct {
	ExternalID    string    `gorm:"primaryKey;column:document_id"`
	ContentHash   string    `gorm:"column:content_hash"`
	SchemaVersion int       `gorm:"column:schema_version"`
	ExtractedAt   string    `gorm:"column:extracted_at"`
	PageCount     int       `gorm:"column:page_count"`
	IngestedAt    time.Time `gorm:"column:ingested_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (Document) TableName() string {
	return "documents"
}

// ExtractionRecord stores the raw, verbatim per-page extracted fields.
// Overrides are tracked in bookkeeping columns, never applied destructively
// here. Unique on (document, page, category); superseded wholesale when a
// document changes.
type ExtractionRecord struct {
	ID         string `gorm:"primaryKey;column:id"`
	DocumentID string `gorm:"column:document_id;uniqueIndex:idx_extraction_doc_page_category"`
	PageNumber int    `gorm:"column:page_number;uniqueIndex:idx_extraction_doc_page_category"`
	Category   string `gorm:"column:category;uniqueIndex:idx_extraction_doc_page_category"`
	IsPrimary  *bool  `gorm:"column:is_primary"`

	SubjectID      *string `gorm:"column:subject_id;index"`
	CounterpartyID *string `gorm:"column:counterparty_id;index"`

	SubjectFullName     string `gorm:"column:subject_full_name"`
	SubjectIdentityDate string `gorm:"column:subject_identity_date"`
	PhoneHome           string `gorm:"column:phone_home"`
	PhoneWork           string `gorm:"column:phone_work"`
	PhoneMobile         string `gorm:"column:phone_mobile"`

	AddressLine1 string `gorm:"column:address_line_1"`
	AddressLine2 string `gorm:"column:address_line_2"`
	City         string `gorm:"column:city"`
	County       string `gorm:"column:county"`
	Postcode     string `gorm:"column:postcode"`

	CounterpartyName         string `gorm:"column:counterparty_name"`
	CounterpartyOrganization string `gorm:"column:counterparty_organization"`
	CounterpartyAddress      string `gorm:"column:counterparty_address"`
	CounterpartyPostcode     string `gorm:"column:counterparty_postcode"`
	CounterpartyCode         string `gorm:"column:counterparty_code"`

	SpecialistName string `gorm:"column:specialist_name"`

	ExtractionMethod     string  `gorm:"column:extraction_method"`
	ExtractionConfidence float64 `gorm:"column:extraction_confidence"`

	HasOverride    bool   `gorm:"column:has_override"`
	OverrideReason string `gorm:"column:override_reason"`
	OverrideDate   string `gorm:"column:override_date"`

	Extras datatypes.JSONMap `gorm:"column:extras"`

	CreatedAt time.Time `gorm:"column:created_at"`
}

func (ExtractionRecord) TableName() string {
	return "extraction_records"
}
