package entity

import "time"

// Counterparty kinds. The relation on a subject-counterparty link carries
// the same values.
const (
	KindReferrer   = "referrer"
	KindSpecialist = "specialist"
)

// Alias entity kinds, as scoped in the aliases table.
const (
	AliasKindSubject      = "subject"
	AliasKindCounterparty = "counterparty"
)

// Subject is a canonical, deduplicated person record. Dedup key is
// (normalized_name, identity_date) when the date is known; rows are never
// deleted by the engine.
type Subject struct {
	ID             string    `gorm:"primaryKey;column:id"`
	FullName       string    `gorm:"column:full_name"`
	NormalizedName string    `gorm:"column:normalized_name;index"`
	IdentityDate   string    `gorm:"column:identity_date"` // YYYY-MM-DD, empty when unknown
	AddressLine1   string    `gorm:"column:address_line_1"`
	AddressLine2   string    `gorm:"column:address_line_2"`
	City           string    `gorm:"column:city"`
	County         string    `gorm:"column:county"`
	Postcode       string    `gorm:"column:postcode"`
	PhoneHome      string    `gorm:"column:phone_home"`
	PhoneWork      string    `gorm:"column:phone_work"`
	PhoneMobile    string    `gorm:"column:phone_mobile"`
	DocumentCount  int       `gorm:"column:document_count"`
	FirstSeenAt    time.Time `gorm:"column:first_seen_at"`
	LastSeenAt     time.Time `gorm:"column:last_seen_at"`
}

func (Subject) TableName() string {
	return "subjects"
}

// Counterparty is a canonical practitioner-side record. Dedup key is
// (normalized_name, kind), or the external code when one is present.
type Counterparty struct {
	ID             string    `gorm:"primaryKey;column:id"`
	Kind           string    `gorm:"column:kind;index"`
	FullName       string    `gorm:"column:full_name"`
	NormalizedName string    `gorm:"column:normalized_name;index"`
	Organization   string    `gorm:"column:organization"`
	Address        string    `gorm:"column:address"`
	Postcode       string    `gorm:"column:postcode"`
	ExternalCode   string    `gorm:"column:external_code;index"`
	DocumentCount  int       `gorm:"column:document_count"`
	FirstSeenAt    time.Time `gorm:"column:first_seen_at"`
	LastSeenAt     time.Time `gorm:"column:last_seen_at"`
}

func (Counterparty) TableName() string {
	return "counterparties"
}

type SubjectDocumentLink struct {
	SubjectID        string    `gorm:"primaryKey;column:subject_id"`
	DocumentID       string    `gorm:"primaryKey;column:document_id"`
	AttestationCount int       `gorm:"column:attestation_count"`
	FirstSeenAt      time.Time `gorm:"column:first_seen_at"`
	LastSeenAt       time.Time `gorm:"column:last_seen_at"`
}

func (SubjectDocumentLink) TableName() string {
	return "subject_document_links"
}

// SubjectCounterpartyLink rows accumulate across ingestion runs and are
// never pruned, even when a re-extraction would no longer produce them.
type SubjectCounterpartyLink struct {
	SubjectID      string    `gorm:"primaryKey;column:subject_id"`
	CounterpartyID string    `gorm:"primaryKey;column:counterparty_id"`
	Relation       string    `gorm:"primaryKey;column:relation"`
	DocumentCount  int       `gorm:"column:document_count"`
	FirstSeenAt    time.Time `gorm:"column:first_seen_at"`
	LastSeenAt     time.Time `gorm:"column:last_seen_at"`
}

func (SubjectCounterpartyLink) TableName() string {
	return "subject_counterparty_links"
}
