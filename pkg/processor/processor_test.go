package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorrelhq/sorrel/pkg/kafka"
	"github.com/sorrelhq/sorrel/pkg/models"
)

type fakeResolver struct {
	results map[string]*models.ResolveResult
	err     error
	calls   []models.AttributeBundle
}

func (f *fakeResolver) Resolve(ctx context.Context, bundle models.AttributeBundle) (*models.ResolveResult, error) {
	f.calls = append(f.calls, bundle)
	if f.err != nil {
		return nil, f.err
	}
	if result, ok := f.results[bundle.SourceRecordID]; ok {
		return result, nil
	}
	return &models.ResolveResult{EntityID: "entity-" + bundle.SourceRecordID}, nil
}

type fakeUpserter struct {
	requests []models.UpsertRelationshipRequest
	err      error
}

func (f *fakeUpserter) Upsert(ctx context.Context, req models.UpsertRelationshipRequest) (*models.RelationshipEdge, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	return &models.RelationshipEdge{
		SubjectID: req.SubjectID,
		ObjectID:  req.ObjectID,
		RelType:   req.RelType,
	}, nil
}

type fakeFinder struct {
	scanned []string
	err     error
}

func (f *fakeFinder) FindCandidates(ctx context.Context, bundle models.AttributeBundle, excludeID string) ([]models.MatchCandidate, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.scanned = append(f.scanned, excludeID)
	return nil, nil
}

type fakeEmitter struct {
	emitted []models.ResolveResult
}

func (f *fakeEmitter) EmitResolved(ctx context.Context, kind models.EntityKind, result models.ResolveResult) error {
	f.emitted = append(f.emitted, result)
	return nil
}

type processorFixture struct {
	processor *Processor
	resolver  *fakeResolver
	upserter  *fakeUpserter
	finder    *fakeFinder
	emitter   *fakeEmitter
}

func newProcessorFixture() *processorFixture {
	resolver := &fakeResolver{results: make(map[string]*models.ResolveResult)}
	upserter := &fakeUpserter{}
	finder := &fakeFinder{}
	emitter := &fakeEmitter{}
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

	return &processorFixture{
		processor: NewProcessor(resolver, upserter, finder, emitter, logger),
		resolver:  resolver,
		upserter:  upserter,
		finder:    finder,
		emitter:   emitter,
	}
}

func TestProcess_ResolvesAndEmits(t *testing.T) {
	f := newProcessorFixture()

	err := f.processor.Process(context.Background(), models.IngestMessage{
		Bundle: models.AttributeBundle{
			Kind:           models.EntityKindAnimal,
			SourceSystem:   "shelterluv",
			SourceRecordID: "sl-1",
			Name:           "Bella",
		},
	})
	require.NoError(t, err)

	require.Len(t, f.resolver.calls, 1)
	require.Len(t, f.emitter.emitted, 1)
	assert.Equal(t, "entity-sl-1", f.emitter.emitted[0].EntityID)
}

func TestProcess_ResolveFailureBubbles(t *testing.T) {
	f := newProcessorFixture()
	f.resolver.err = errors.New("db down")

	err := f.processor.Process(context.Background(), models.IngestMessage{
		Bundle: models.AttributeBundle{
			Kind:           models.EntityKindPerson,
			SourceSystem:   "shelterluv",
			SourceRecordID: "sl-1",
		},
	})
	assert.Error(t, err, "failed resolution must replay, not skip")
	assert.Empty(t, f.emitter.emitted)
}

func TestProcess_EmbeddedRelationships(t *testing.T) {
	f := newProcessorFixture()

	err := f.processor.Process(context.Background(), models.IngestMessage{
		Bundle: models.AttributeBundle{
			Kind:           models.EntityKindPerson,
			SourceSystem:   "shelterluv",
			SourceRecordID: "person-1",
			Name:           "Jane Doe",
		},
		Relationships: []models.IngestRelationship{
			{
				RelType: "adopter_of",
				Origin:  models.OriginObserved,
				Object: models.AttributeBundle{
					Kind:           models.EntityKindAnimal,
					SourceRecordID: "animal-1",
					Microchip:      "985112345678903",
				},
			},
		},
	})
	require.NoError(t, err)

	require.Len(t, f.resolver.calls, 2, "subject and object both resolve")
	assert.Equal(t, "shelterluv", f.resolver.calls[1].SourceSystem,
		"object bundle inherits the subject's source system")

	require.Len(t, f.upserter.requests, 1)
	req := f.upserter.requests[0]
	assert.Equal(t, "entity-person-1", req.SubjectID)
	assert.Equal(t, "entity-animal-1", req.ObjectID)
	assert.Equal(t, "adopter_of", req.RelType)
}

func TestProcess_RelationshipFailureBubbles(t *testing.T) {
	f := newProcessorFixture()
	f.upserter.err = errors.New("edge insert failed")

	err := f.processor.Process(context.Background(), models.IngestMessage{
		Bundle: models.AttributeBundle{
			Kind:           models.EntityKindPerson,
			SourceSystem:   "shelterluv",
			SourceRecordID: "person-1",
		},
		Relationships: []models.IngestRelationship{
			{
				RelType: "adopter_of",
				Origin:  models.OriginObserved,
				Object: models.AttributeBundle{
					Kind:           models.EntityKindAnimal,
					SourceRecordID: "animal-1",
				},
			},
		},
	})
	assert.Error(t, err)
}

func TestProcess_NewPersonScansForCandidates(t *testing.T) {
	f := newProcessorFixture()
	f.resolver.results["sl-1"] = &models.ResolveResult{EntityID: "new-person", Created: true}

	err := f.processor.Process(context.Background(), models.IngestMessage{
		Bundle: models.AttributeBundle{
			Kind:           models.EntityKindPerson,
			SourceSystem:   "shelterluv",
			SourceRecordID: "sl-1",
			Name:           "Jane Doe",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"new-person"}, f.finder.scanned)
}

func TestProcess_ExistingPersonSkipsCandidateScan(t *testing.T) {
	f := newProcessorFixture()
	f.resolver.results["sl-1"] = &models.ResolveResult{EntityID: "known-person", Created: false}

	err := f.processor.Process(context.Background(), models.IngestMessage{
		Bundle: models.AttributeBundle{
			Kind:           models.EntityKindPerson,
			SourceSystem:   "shelterluv",
			SourceRecordID: "sl-1",
		},
	})
	require.NoError(t, err)
	assert.Empty(t, f.finder.scanned)
}

func TestProcess_CandidateScanFailureIsNonFatal(t *testing.T) {
	f := newProcessorFixture()
	f.resolver.results["sl-1"] = &models.ResolveResult{EntityID: "new-person", Created: true}
	f.finder.err = errors.New("scan failed")

	err := f.processor.Process(context.Background(), models.IngestMessage{
		Bundle: models.AttributeBundle{
			Kind:           models.EntityKindPerson,
			SourceSystem:   "shelterluv",
			SourceRecordID: "sl-1",
		},
	})
	assert.NoError(t, err)
}

func TestHandleMessage_ParsesBeforeProcessing(t *testing.T) {
	f := newProcessorFixture()

	err := f.processor.HandleMessage(context.Background(), &kafka.IncomingMessage{
		Value: []byte(`{"bundle": {"kind": "animal", "source_system": "petpoint", "source_record_id": "pp-1"}}`),
	})
	require.NoError(t, err)
	require.Len(t, f.resolver.calls, 1)
	assert.Equal(t, models.EntityKindAnimal, f.resolver.calls[0].Kind)
}

func TestHandleMessage_MalformedPayload(t *testing.T) {
	f := newProcessorFixture()

	err := f.processor.HandleMessage(context.Background(), &kafka.IncomingMessage{Value: []byte(`garbage`)})
	assert.Error(t, err)
	assert.Empty(t, f.resolver.calls)
}
