package learning

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
	return r.db.AutoMigrate(&Correction{}, &Alias{})
}

// DeleteCorrectionsForDocument clears a changed document's corrections
// ahead of re-mining; corrections supersede rather than accumulate.
func (r *Repository) DeleteCorrectionsForDocument(ctx context.Context, documentID string) error {
	return r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Delete(&Correction{}).Error
}

func (r *Repository) CreateCorrection(ctx context.Context, c *Correction) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.MinedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Create(c).Error
}

// UpsertAlias is idempotent: the same (kind, variant) pair observed again
// bumps the occurrence count and refreshes the canonical form.
func (r *Repository) UpsertAlias(ctx context.Context, kind, variant, canonical, sourceDocumentID string) error {
	now := time.Now().UTC()

	var alias Alias
	err := r.db.WithContext(ctx).
		Where("kind = ? AND variant = ?", kind, variant).
		First(&alias).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		alias = Alias{
			ID:               uuid.New().String(),
			Kind:             kind,
			Variant:          variant,
			Canonical:        canonical,
			SourceDocumentID: sourceDocumentID,
			OccurrenceCount:  1,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		return r.db.WithContext(ctx).Create(&alias).Error
	}
	if err != nil {
		return err
	}

	alias.Canonical = canonical
	alias.OccurrenceCount++
	alias.UpdatedAt = now
	return r.db.WithContext(ctx).Save(&alias).Error
}

// Canonical implements the resolver's alias lookup.
func (r *Repository) Canonical(ctx context.Context, kind, variant string) (string, bool, error) {
	var alias Alias
	err := r.db.WithContext(ctx).
		Where("kind = ? AND variant = ?", kind, variant).
		First(&alias).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return alias.Canonical, true, nil
}

func (r *Repository) ListCorrections(ctx context.Context) ([]Correction, error) {
	var corrections []Correction
	err := r.db.WithContext(ctx).
		Order("document_id, page_number, field").
		Find(&corrections).Error
	return corrections, err
}

func (r *Repository) ListAliases(ctx context.Context) ([]Alias, error) {
	var aliases []Alias
	err := r.db.WithContext(ctx).
		Order("kind, variant").
		Find(&aliases).Error
	return aliases, err
}
