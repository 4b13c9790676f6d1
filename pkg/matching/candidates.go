// Package matching scores fuzzy duplicate candidates for manual review.
// Exact-identifier hits are handled by the resolver; this package covers the
// gap where a new record almost certainly duplicates an existing person but
// shares no indexed identifier with it.
package matching

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/Gobusters/ectologger"

	"github.com/sorrelhq/sorrel/pkg/models"
	"github.com/sorrelhq/sorrel/pkg/normalizers"
	"github.com/sorrelhq/sorrel/pkg/tracing"
)

// EntityLister pages through canonical entities of one kind
type EntityLister interface {
	ListCanonicalByKind(ctx context.Context, kind models.EntityKind, afterID string, limit int) ([]models.Entity, error)
}

// CandidateStore persists scored candidates
type CandidateStore interface {
	Upsert(ctx context.Context, candidate *models.MatchCandidate) (*models.MatchCandidate, error)
}

// FinderConfig tunes candidate scoring
type FinderConfig struct {
	MinConfidence  float64
	TopN           int
	PageSize       int
	NameSimilarity float64
}

// Finder scores a new record against existing canonical persons and
// persists the strongest candidates for review. It never merges anything.
type Finder struct {
	entities   EntityLister
	candidates CandidateStore
	scorer     *Scorer
	config     FinderConfig
	logger     ectologger.Logger
}

// NewFinder creates a new candidate finder
func NewFinder(entities EntityLister, candidates CandidateStore, config FinderConfig, logger ectologger.Logger) *Finder {
	if config.MinConfidence == 0 {
		config.MinConfidence = 0.4
	}
	if config.TopN == 0 {
		config.TopN = 5
	}
	if config.PageSize == 0 {
		config.PageSize = 500
	}
	if config.NameSimilarity == 0 {
		config.NameSimilarity = 0.7
	}
	return &Finder{
		entities:   entities,
		candidates: candidates,
		scorer:     NewScorer(),
		config:     config,
		logger:     logger,
	}
}

// scored pairs a candidate entity with its score and evidence
type scored struct {
	entityID string
	score    float64
	evidence models.MatchEvidence
}

// FindCandidates scans canonical persons for likely duplicates of the
// bundle and persists the top matches. excludeID is the entity the bundle
// already resolved to, so a record never becomes a candidate for itself.
func (f *Finder) FindCandidates(ctx context.Context, bundle models.AttributeBundle, excludeID string) ([]models.MatchCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Finder.FindCandidates")
	defer span.End()

	if bundle.Kind != models.EntityKindPerson {
		return nil, nil
	}

	probe := newProbe(bundle)
	if probe.empty() {
		return nil, nil
	}

	var hits []scored
	afterID := ""
	for {
		page, err := f.entities.ListCanonicalByKind(ctx, models.EntityKindPerson, afterID, f.config.PageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		for _, entity := range page {
			if entity.ID == excludeID {
				continue
			}
			if hit, ok := f.score(probe, entity); ok && hit.score >= f.config.MinConfidence {
				hits = append(hits, hit)
			}
		}
		afterID = page[len(page)-1].ID
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > f.config.TopN {
		hits = hits[:f.config.TopN]
	}

	results := make([]models.MatchCandidate, 0, len(hits))
	for _, hit := range hits {
		evidence, err := json.Marshal(hit.evidence)
		if err != nil {
			return nil, err
		}
		candidate, err := f.candidates.Upsert(ctx, &models.MatchCandidate{
			SourceSystem:   bundle.SourceSystem,
			SourceRecordID: bundle.SourceRecordID,
			EntityID:       hit.entityID,
			Score:          hit.score,
			Evidence:       evidence,
		})
		if err != nil {
			return nil, err
		}
		results = append(results, *candidate)
	}

	if len(results) > 0 {
		f.logger.WithContext(ctx).WithFields(map[string]any{
			"source_system":    bundle.SourceSystem,
			"source_record_id": bundle.SourceRecordID,
			"candidate_count":  len(results),
		}).Info("Match candidates recorded for review")
	}
	return results, nil
}

// score runs the tiers strongest-first and returns the first that fires
func (f *Finder) score(p probe, entity models.Entity) (scored, bool) {
	other := newProbeFromEntity(entity)

	if p.phone != "" && len(p.phone) >= 10 && p.phone == other.phone {
		return scored{
			entityID: entity.ID,
			score:    1.0,
			evidence: models.MatchEvidence{MatchedOn: []string{"phone"}, Tier: models.MatchTierExactPhone},
		}, true
	}

	if p.email != "" && p.email == other.email {
		return scored{
			entityID: entity.ID,
			score:    0.98,
			evidence: models.MatchEvidence{MatchedOn: []string{"email"}, Tier: models.MatchTierExactEmail},
		}, true
	}

	if p.name == "" || other.name == "" {
		return scored{}, false
	}
	similarity := f.scorer.JaroWinkler(p.name, other.name)
	if similarity < f.config.NameSimilarity {
		return scored{}, false
	}

	if areaCode(p.phone) != "" && areaCode(p.phone) == areaCode(other.phone) {
		return scored{
			entityID: entity.ID,
			score:    0.85 + 0.1*similarity,
			evidence: models.MatchEvidence{MatchedOn: []string{"name", "phone_area_code"}, Tier: models.MatchTierNamePhone, NameSimilarity: &similarity},
		}, true
	}

	return scored{
		entityID: entity.ID,
		score:    0.5 + 0.3*similarity,
		evidence: models.MatchEvidence{MatchedOn: []string{"name"}, Tier: models.MatchTierNameOnly, NameSimilarity: &similarity},
	}, true
}

// probe is the normalized comparable view of a person
type probe struct {
	name  string
	email string
	phone string
}

func (p probe) empty() bool {
	return p.name == "" && p.email == "" && p.phone == ""
}

func newProbe(bundle models.AttributeBundle) probe {
	return probe{
		name:  normalizers.Name(bundle.Name),
		email: normalizers.Email(bundle.Email),
		phone: normalizers.Phone(bundle.Phone),
	}
}

func newProbeFromEntity(entity models.Entity) probe {
	var data map[string]any
	if len(entity.Data) > 0 {
		if err := json.Unmarshal(entity.Data, &data); err != nil {
			data = nil
		}
	}
	str := func(key string) string {
		if v, ok := data[key].(string); ok {
			return v
		}
		return ""
	}
	name := str("name")
	if name == "" {
		name = entity.DisplayName
	}
	return probe{
		name:  normalizers.Name(name),
		email: normalizers.Email(str("email")),
		phone: normalizers.Phone(str("phone")),
	}
}

// areaCode returns the first three digits of a ten-digit US number,
// skipping a leading country code 1
func areaCode(phone string) string {
	if len(phone) == 11 && phone[0] == '1' {
		phone = phone[1:]
	}
	if len(phone) != 10 {
		return ""
	}
	return phone[:3]
}
