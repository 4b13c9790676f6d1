// Package backfill rebuilds the identifier index from existing canonical
// entities. It exists for normalizer changes: when a normalizer is tightened
// or a new identifier type is added, old entities need their index rows
// re-derived under the current rules.
package backfill

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"

	"github.com/sorrelhq/sorrel/pkg/models"
	"github.com/sorrelhq/sorrel/pkg/normalizers"
	"github.com/sorrelhq/sorrel/pkg/tracing"
)

// EntityLister pages through canonical entities of one kind
type EntityLister interface {
	ListCanonicalByKind(ctx context.Context, kind models.EntityKind, afterID string, limit int) ([]models.Entity, error)
}

// IdentifierWriter inserts index rows without disturbing existing ones
type IdentifierWriter interface {
	InsertIgnoreConflict(ctx context.Context, identifier *models.Identifier) (bool, error)
}

// SourceRecordLister returns the source links behind an entity
type SourceRecordLister interface {
	ListForEntity(ctx context.Context, entityID string) ([]models.SourceRecord, error)
}

// Result summarizes one backfill run
type Result struct {
	EntitiesScanned    int `json:"entities_scanned"`
	IdentifiersWritten int `json:"identifiers_written"`
}

// Runner re-derives identifier rows in id-ordered chunks. Runs are
// re-runnable: existing rows are left untouched and only missing ones are
// inserted, so a crashed run can simply be started again.
type Runner struct {
	entities      EntityLister
	identifiers   IdentifierWriter
	sourceRecords SourceRecordLister
	chunkSize     int
	logger        ectologger.Logger
}

// NewRunner creates a new backfill runner
func NewRunner(entities EntityLister, identifiers IdentifierWriter, sourceRecords SourceRecordLister, chunkSize int, logger ectologger.Logger) *Runner {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	return &Runner{
		entities:      entities,
		identifiers:   identifiers,
		sourceRecords: sourceRecords,
		chunkSize:     chunkSize,
		logger:        logger,
	}
}

// Run backfills one entity kind
func (r *Runner) Run(ctx context.Context, kind models.EntityKind) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "backfill.Runner.Run")
	defer span.End()

	result := &Result{}
	afterID := ""
	for {
		page, err := r.entities.ListCanonicalByKind(ctx, kind, afterID, r.chunkSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		for _, entity := range page {
			written, err := r.backfillEntity(ctx, entity)
			if err != nil {
				return nil, err
			}
			result.EntitiesScanned++
			result.IdentifiersWritten += written
		}
		afterID = page[len(page)-1].ID

		r.logger.WithContext(ctx).WithFields(map[string]any{
			"kind":     kind,
			"scanned":  result.EntitiesScanned,
			"written":  result.IdentifiersWritten,
			"after_id": afterID,
		}).Info("Backfill chunk complete")
	}

	return result, nil
}

func (r *Runner) backfillEntity(ctx context.Context, entity models.Entity) (int, error) {
	written := 0
	for _, ident := range deriveFromData(entity) {
		inserted, err := r.identifiers.InsertIgnoreConflict(ctx, &ident)
		if err != nil {
			return written, err
		}
		if inserted {
			written++
		}
	}

	records, err := r.sourceRecords.ListForEntity(ctx, entity.ID)
	if err != nil {
		return written, err
	}
	for _, record := range records {
		sourceSystem := record.SourceSystem
		inserted, err := r.identifiers.InsertIgnoreConflict(ctx, &models.Identifier{
			EntityID:        entity.ID,
			IDType:          models.IdentifierTypeExternalSystemID,
			NormalizedValue: record.SourceSystem + ":" + record.SourceRecordID,
			RawValue:        record.SourceRecordID,
			SourceSystem:    &sourceSystem,
			Confidence:      models.IdentifierTypeExternalSystemID.DefaultConfidence(),
		})
		if err != nil {
			return written, err
		}
		if inserted {
			written++
		}
	}

	return written, nil
}

// deriveFromData re-derives kind-appropriate identifiers from an entity's
// stored attributes under the current normalizers
func deriveFromData(entity models.Entity) []models.Identifier {
	var data map[string]any
	if len(entity.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(entity.Data, &data); err != nil {
		return nil
	}
	str := func(key string) string {
		if v, ok := data[key].(string); ok {
			return v
		}
		return ""
	}

	var idents []models.Identifier
	add := func(idType models.IdentifierType, raw, normalized string) {
		if normalized == "" {
			return
		}
		idents = append(idents, models.Identifier{
			EntityID:        entity.ID,
			IDType:          idType,
			NormalizedValue: normalized,
			RawValue:        raw,
			Confidence:      idType.DefaultConfidence(),
		})
	}

	switch entity.Kind {
	case models.EntityKindPerson:
		add(models.IdentifierTypeEmail, str("email"), normalizers.Email(str("email")))
		add(models.IdentifierTypePhone, str("phone"), normalizers.Phone(str("phone")))
	case models.EntityKindAnimal:
		add(models.IdentifierTypeMicrochip, str("microchip"), normalizers.Microchip(str("microchip")))
	case models.EntityKindPlace:
		add(models.IdentifierTypeNormalizedAddress, str("address"), normalizers.Address(str("address")))
	}
	return idents
}
