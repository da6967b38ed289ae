package entity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrNoMatch = errors.New("no matching entity")

type Repository struct {
	db *gorm.DB
}

// NewRepository wraps db, which may be a transaction handle: ingestion
// constructs one repository per document transaction.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&Subject{},
		&Counterparty{},
		&SubjectDocumentLink{},
		&SubjectCounterpartyLink{},
	)
}

func (r *Repository) FindSubjectByKey(ctx context.Context, normalizedName, identityDate string) (*Subject, error) {
	var subject Subject
	err := r.db.WithContext(ctx).
		Where("normalized_name = ? AND identity_date = ?", normalizedName, identityDate).
		First(&subject).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoMatch
	}
	if err != nil {
		return nil, err
	}
	return &subject, nil
}

func (r *Repository) FindSubjectsByName(ctx context.Context, normalizedName string) ([]Subject, error) {
	var subjects []Subject
	err := r.db.WithContext(ctx).
		Where("normalized_name = ?", normalizedName).
		Order("first_seen_at").
		Find(&subjects).Error
	return subjects, err
}

func (r *Repository) CreateSubject(ctx context.Context, subject *Subject) error {
	if subject.ID == "" {
		subject.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	subject.DocumentCount = 1
	subject.FirstSeenAt = now
	subject.LastSeenAt = now
	return r.db.WithContext(ctx).Create(subject).Error
}

// SaveSubject persists merged field values and bumps the contribution
// counter and last-seen timestamp.
func (r *Repository) SaveSubject(ctx context.Context, subject *Subject) error {
	subject.DocumentCount++
	subject.LastSeenAt = time.Now().UTC()
	return r.db.WithContext(ctx).Save(subject).Error
}

func (r *Repository) FindCounterpartyByCode(ctx context.Context, code string) (*Counterparty, error) {
	var cp Counterparty
	err := r.db.WithContext(ctx).
		Where("external_code = ?", code).
		Order("first_seen_at").
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoMatch
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (r *Repository) FindCounterpartyByKey(ctx context.Context, normalizedName, kind string) (*Counterparty, error) {
	var cp Counterparty
	err := r.db.WithContext(ctx).
		Where("normalized_name = ? AND kind = ?", normalizedName, kind).
		Order("first_seen_at").
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoMatch
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (r *Repository) CreateCounterparty(ctx context.Context, cp *Counterparty) error {
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	cp.DocumentCount = 1
	cp.FirstSeenAt = now
	cp.LastSeenAt = now
	return r.db.WithContext(ctx).Create(cp).Error
}

func (r *Repository) SaveCounterparty(ctx context.Context, cp *Counterparty) error {
	cp.DocumentCount++
	cp.LastSeenAt = time.Now().UTC()
	return r.db.WithContext(ctx).Save(cp).Error
}

func (r *Repository) GetCounterparty(ctx context.Context, id string) (*Counterparty, error) {
	var cp Counterparty
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoMatch
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (r *Repository) GetSubject(ctx context.Context, id string) (*Subject, error) {
	var subject Subject
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&subject).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoMatch
	}
	if err != nil {
		return nil, err
	}
	return &subject, nil
}

// DeleteSubjectDocumentLinks clears a document's subject links ahead of
// re-derivation. Counterparty links are intentionally left alone: they are
// append-only relationship memory.
func (r *Repository) DeleteSubjectDocumentLinks(ctx context.Context, documentID string) error {
	return r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Delete(&SubjectDocumentLink{}).Error
}

func (r *Repository) UpsertSubjectDocumentLink(ctx context.Context, subjectID, documentID string) error {
	now := time.Now().UTC()
	var link SubjectDocumentLink
	err := r.db.WithContext(ctx).
		Where("subject_id = ? AND document_id = ?", subjectID, documentID).
		First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		link = SubjectDocumentLink{
			SubjectID:        subjectID,
			DocumentID:       documentID,
			AttestationCount: 1,
			FirstSeenAt:      now,
			LastSeenAt:       now,
		}
		return r.db.WithContext(ctx).Create(&link).Error
	}
	if err != nil {
		return err
	}
	link.AttestationCount++
	link.LastSeenAt = now
	return r.db.WithContext(ctx).Save(&link).Error
}

func (r *Repository) UpsertSubjectCounterpartyLink(ctx context.Context, subjectID, counterpartyID, relation string) error {
	now := time.Now().UTC()
	var link SubjectCounterpartyLink
	err := r.db.WithContext(ctx).
		Where("subject_id = ? AND counterparty_id = ? AND relation = ?", subjectID, counterpartyID, relation).
		First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		link = SubjectCounterpartyLink{
			SubjectID:      subjectID,
			CounterpartyID: counterpartyID,
			Relation:       relation,
			DocumentCount:  1,
			FirstSeenAt:    now,
			LastSeenAt:     now,
		}
		return r.db.WithContext(ctx).Create(&link).Error
	}
	if err != nil {
		return err
	}
	link.DocumentCount++
	link.LastSeenAt = now
	return r.db.WithContext(ctx).Save(&link).Error
}
