// Package enrich writes canonical entity snapshots back into the documents
// they came from, under the engine-owned "enriched" key. The write is
// idempotent and atomic; no other key in the document is ever touched.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/meridian-clinical/registry/pkg/common/logger"
	"github.com/meridian-clinical/registry/pkg/docfile"
	"github.com/meridian-clinical/registry/pkg/entity"
	"github.com/meridian-clinical/registry/pkg/identity"
	"github.com/meridian-clinical/registry/pkg/ingest"
	"github.com/meridian-clinical/registry/pkg/normalize"
	"gorm.io/gorm"
)

const snapshotVersion = 1

type SnapshotSubject struct {
	ID           string          `json:"id"`
	FullName     string          `json:"full_name"`
	IdentityDate string          `json:"identity_date,omitempty"`
	Address      SnapshotAddress `json:"address"`
	Phones       docfile.Phones  `json:"phones"`
}

type SnapshotAddress struct {
	Line1    string `json:"line_1,omitempty"`
	Line2    string `json:"line_2,omitempty"`
	City     string `json:"city,omitempty"`
	County   string `json:"county,omitempty"`
	Postcode string `json:"postcode,omitempty"`
}

type SnapshotCounterparty struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Name         string `json:"name"`
	Organization string `json:"organization,omitempty"`
	Postcode     string `json:"postcode,omitempty"`
	Code         string `json:"code,omitempty"`
}

type Snapshot struct {
	SnapshotVersion int                    `json:"snapshot_version"`
	GeneratedAt     string                 `json:"generated_at"`
	Subject         *SnapshotSubject       `json:"subject,omitempty"`
	Counterparties  []SnapshotCounterparty `json:"counterparties,omitempty"`
}

type Stats struct {
	Written int
	Skipped int
	Errors  int
}

type Writer struct {
	db   *gorm.DB
	norm *normalize.Normalizer
}

func NewWriter(db *gorm.DB, norm *normalize.Normalizer) *Writer {
	return &Writer{db: db, norm: norm}
}

// Run regenerates enrichment snapshots for every document file under
// inputDir. Write failures are logged, not fatal: the write is idempotent
// and self-heals on the next pass.
func (w *Writer) Run(ctx context.Context, inputDir string) (Stats, error) {
	var stats Stats

	paths, err := docfile.List(inputDir)
	if err != nil {
		return stats, err
	}

	for _, path := range paths {
		written, err := w.EnrichFile(ctx, path)
		if err != nil {
			logger.WithField("path", path).WithError(err).Warn("enrichment write failed")
			stats.Errors++
			continue
		}
		if written {
			stats.Written++
		} else {
			stats.Skipped++
		}
	}

	logger.WithFields(map[string]interface{}{
		"written": stats.Written,
		"skipped": stats.Skipped,
		"errors":  stats.Errors,
	}).Info("enrichment pass complete")
	return stats, nil
}

// EnrichFile writes one document's snapshot. Returns false when the
// document needed no write: snapshot unchanged, or nothing to enrich.
func (w *Writer) EnrichFile(ctx context.Context, path string) (bool, error) {
	externalID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	snapshot, err := w.buildSnapshot(ctx, externalID)
	if err != nil {
		return false, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, fmt.Errorf("parsing document: %w", err)
	}

	existing, hadKey := doc[docfile.EnrichedKey]

	// A document with nothing to enrich gets no enrichment key at all.
	if snapshot == nil {
		if !hadKey {
			return false, nil
		}
		delete(doc, docfile.EnrichedKey)
		return true, w.writeDocument(path, doc)
	}

	if hadKey {
		same, err := snapshotsEqual(existing, snapshot)
		if err == nil && same {
			return false, nil
		}
	}

	snapshot.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return false, err
	}
	doc[docfile.EnrichedKey] = payload

	return true, w.writeDocument(path, doc)
}

// buildSnapshot returns nil when the document has neither an authoritative
// subject nor any resolved counterparty. Only subjects resolved through the
// external-id identity are trusted as the document's canonical subject;
// content-derived identity is too noisy to write back.
func (w *Writer) buildSnapshot(ctx context.Context, externalID string) (*Snapshot, error) {
	entityRepo := entity.NewRepository(w.db)
	docRepo := ingest.NewRepository(w.db)

	snapshot := &Snapshot{SnapshotVersion: snapshotVersion}

	if auth, ok := identity.FromExternalID(externalID); ok {
		subject, err := entityRepo.FindSubjectByKey(ctx, w.norm.Name(auth.FullName), auth.IdentityDate)
		if err != nil && err != entity.ErrNoMatch {
			return nil, err
		}
		if subject != nil {
			snapshot.Subject = &SnapshotSubject{
				ID:           subject.ID,
				FullName:     subject.FullName,
				IdentityDate: subject.IdentityDate,
				Address: SnapshotAddress{
					Line1:    subject.AddressLine1,
					Line2:    subject.AddressLine2,
					City:     subject.City,
					County:   subject.County,
					Postcode: subject.Postcode,
				},
				Phones: docfile.Phones{
					Home:   subject.PhoneHome,
					Work:   subject.PhoneWork,
					Mobile: subject.PhoneMobile,
				},
			}
		}
	}

	records, err := docRepo.ExtractionRecordsForDocument(ctx, externalID)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	for _, rec := range records {
		if rec.CounterpartyID == nil {
			continue
		}
		if _, done := seen[*rec.CounterpartyID]; done {
			continue
		}
		seen[*rec.CounterpartyID] = struct{}{}

		cp, err := entityRepo.GetCounterparty(ctx, *rec.CounterpartyID)
		if err == entity.ErrNoMatch {
			continue
		}
		if err != nil {
			return nil, err
		}
		snapshot.Counterparties = append(snapshot.Counterparties, SnapshotCounterparty{
			ID:           cp.ID,
			Kind:         cp.Kind,
			Name:         cp.FullName,
			Organization: cp.Organization,
			Postcode:     cp.Postcode,
			Code:         cp.ExternalCode,
		})
	}

	if snapshot.Subject == nil && len(snapshot.Counterparties) == 0 {
		return nil, nil
	}
	return snapshot, nil
}

// snapshotsEqual compares an existing serialized snapshot with a candidate,
// ignoring the generated_at timestamp.
func snapshotsEqual(existing json.RawMessage, candidate *Snapshot) (bool, error) {
	var existingMap map[string]interface{}
	if err := json.Unmarshal(existing, &existingMap); err != nil {
		return false, err
	}
	delete(existingMap, "generated_at")

	candidateRaw, err := json.Marshal(candidate)
	if err != nil {
		return false, err
	}
	var candidateMap map[string]interface{}
	if err := json.Unmarshal(candidateRaw, &candidateMap); err != nil {
		return false, err
	}
	delete(candidateMap, "generated_at")

	a, err := json.Marshal(existingMap)
	if err != nil {
		return false, err
	}
	b, err := json.Marshal(candidateMap)
	if err != nil {
		return false, err
	}
	return bytes.Equal(a, b), nil
}

// writeDocument performs the atomic write: flock-scoped temp file in the
// same directory, then rename. The document is never observable
// half-written.
func (w *Writer) writeDocument(path string, doc map[string]json.RawMessage) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking document: %w", err)
	}
	defer func() {
		_ = lock.Unlock()
		_ = os.Remove(path + ".lock")
	}()

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
