package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&Document{}, &ExtractionRecord{})
}

// GetContentHash returns the stored hash for an external id, or "" when the
// document has never been seen.
func (r *Repository) GetContentHash(ctx context.Context, externalID string) (string, error) {
	var doc Document
	err := r.db.WithContext(ctx).
		Select("content_hash").
		Where("document_id = ?", externalID).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return doc.ContentHash, nil
}

func (r *Repository) UpsertDocument(ctx context.Context, doc *Document) error {
	now := time.Now().UTC()

	var existing Document
	err := r.db.WithContext(ctx).
		Where("document_id = ?", doc.ExternalID).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		doc.IngestedAt = now
		doc.UpdatedAt = now
		return r.db.WithContext(ctx).Create(doc).Error
	}
	if err != nil {
		return err
	}

	doc.IngestedAt = existing.IngestedAt
	doc.UpdatedAt = now
	return r.db.WithContext(ctx).Save(doc).Error
}

// DeleteExtractionRecords supersedes a document's prior extraction rows;
// changed documents are re-derived, not diffed.
func (r *Repository) DeleteExtractionRecords(ctx context.Context, documentID string) error {
	return r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Delete(&ExtractionRecord{}).Error
}

func (r *Repository) CreateExtractionRecord(ctx context.Context, rec *ExtractionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.CreatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *Repository) ExtractionRecordsForDocument(ctx context.Context, documentID string) ([]ExtractionRecord, error) {
	var records []ExtractionRecord
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("page_number, category").
		Find(&records).Error
	return records, err
}

func (r *Repository) ListDocuments(ctx context.Context) ([]Document, error) {
	var docs []Document
	err := r.db.WithContext(ctx).Order("document_id").Find(&docs).Error
	return docs, err
}
