package learning

import "time"

// Correction records one learnable field-level diff between a raw extracted
// value and its human override. Clearing a field to empty is cleanup, not a
// learnable signal, and produces no row.
type Correction struct {
	ID             string    `gorm:"primaryKey;column:id"`
	DocumentID     string    `gorm:"column:document_id;index"`
	PageNumber     int       `gorm:"column:page_number"`
	Field          string    `gorm:"column:field"`
	RawValue       string    `gorm:"column:raw_value"`
	CorrectedValue string    `gorm:"column:corrected_value"`
	OverrideDate   string    `gorm:"column:override_date"`
	MinedAt        time.Time `gorm:"column:mined_at"`
}

func (Correction) TableName() string {
	return "corrections"
}

// Alias maps a variant normalized identity string to its canonical form,
// scoped by entity kind. Populated from name-shaped corrections, consulted
// read-only by the resolver.
type Alias struct {
	ID               string    `gorm:"primaryKey;column:id"`
	Kind             string    `gorm:"column:kind;uniqueIndex:idx_aliases_kind_variant"`
	Variant          string    `gorm:"column:variant;uniqueIndex:idx_aliases_kind_variant"`
	Canonical        string    `gorm:"column:canonical"`
	SourceDocumentID string    `gorm:"column:source_document_id"`
	OccurrenceCount  int       `gorm:"column:occurrence_count"`
	CreatedAt        time.Time `gorm:"column:created_at"`
	UpdatedAt        time.Time `gorm:"column:updated_at"`
}

func (Alias) TableName() string {
	return "aliases"
}
