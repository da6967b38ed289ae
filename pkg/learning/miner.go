package learning

import (
	"context"

	"github.com/meridian-clinical/registry/pkg/common/logger"
	"github.com/meridian-clinical/registry/pkg/normalize"
)

// FieldDiff is one raw-vs-override field pair observed on a page.
type FieldDiff struct {
	PageNumber   int
	Field        string
	RawValue     string
	Corrected    string
	OverrideDate string
}

// Fields that identify an entity's display name. Corrections to these feed
// the alias store, keyed by the entity kind the field belongs to.
var nameShapedFields = map[string]string{
	"subject.full_name": "subject",
	"counterparty.name": "counterparty",
	"specialist_name":   "counterparty",
}

// Miner turns override diffs into correction rows and learned aliases.
type Miner struct {
	repo *Repository
	norm *normalize.Normalizer
}

func NewMiner(repo *Repository, norm *normalize.Normalizer) *Miner {
	return &Miner{repo: repo, norm: norm}
}

// Mine records a correction for every diff whose raw and corrected values
// are both non-empty and differ. For name-shaped fields it additionally
// upserts an alias from the normalized raw name to the normalized corrected
// name. Returns the number of corrections recorded.
func (m *Miner) Mine(ctx context.Context, documentID string, diffs []FieldDiff) (int, error) {
	mined := 0
	for _, diff := range diffs {
		if diff.RawValue == "" || diff.Corrected == "" || diff.RawValue == diff.Corrected {
			continue
		}

		err := m.repo.CreateCorrection(ctx, &Correction{
			DocumentID:     documentID,
			PageNumber:     diff.PageNumber,
			Field:          diff.Field,
			RawValue:       diff.RawValue,
			CorrectedValue: diff.Corrected,
			OverrideDate:   diff.OverrideDate,
		})
		if err != nil {
			return mined, err
		}
		mined++

		if kind, ok := nameShapedFields[diff.Field]; ok {
			variant := m.norm.Name(diff.RawValue)
			canonical := m.norm.Name(diff.Corrected)
			if variant == "" || canonical == "" || variant == canonical {
				continue
			}
			if err := m.repo.UpsertAlias(ctx, kind, variant, canonical, documentID); err != nil {
				return mined, err
			}
			logger.WithFields(map[string]interface{}{
				"kind":      kind,
				"variant":   variant,
				"canonical": canonical,
			}).Debug("alias learned")
		}
	}
	return mined, nil
}
