package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mnemonet/mnemo/internal/store"
)

func obs(id, raw string, createdAt time.Time) store.Observation {
	return store.Observation{ID: id, RawContent: raw, CreatedAt: createdAt}
}

func TestInference_DerivesClaims(t *testing.T) {
	now := time.Now().UTC().Add(time.Minute)
	mem := &fakeMemory{
		observations: []store.Observation{
			obs("obs-1", "alice mentioned she moved to tokyo", now),
			obs("obs-2", "the weather is nice", now),
		},
		inferences: map[string]string{
			"alice mentioned she moved to tokyo": "alice lives in tokyo",
			"the weather is nice":                "", // model declined
		},
	}
	a := NewInference(mem, NewState(), "node-1", nil, testLogger())

	claims, err := a.Process(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"alice lives in tokyo"}, claims)
}

func TestInference_SkipsProcessed(t *testing.T) {
	now := time.Now().UTC().Add(time.Minute)
	mem := &fakeMemory{
		observations: []store.Observation{obs("obs-1", "alice moved to tokyo", now)},
		inferences:   map[string]string{"alice moved to tokyo": "alice lives in tokyo"},
	}
	a := NewInference(mem, NewState(), "node-1", nil, testLogger())
	ctx := context.Background()

	claims, err := a.Process(ctx)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	claims, err = a.Process(ctx)
	require.NoError(t, err)
	require.Empty(t, claims, "an observation is inferred at most once")
}

func TestInference_SkipsPreStartObservations(t *testing.T) {
	mem := &fakeMemory{
		observations: []store.Observation{
			obs("obs-old", "ancient history", time.Now().UTC().Add(-time.Hour)),
		},
		inferences: map[string]string{"ancient history": "should never be asked"},
	}
	a := NewInference(mem, NewState(), "node-1", nil, testLogger())

	claims, err := a.Process(context.Background())
	require.NoError(t, err)
	require.Empty(t, claims, "restart must not re-derive old facts")
}

func TestInference_EmptyContentMarkedWithoutInfer(t *testing.T) {
	now := time.Now().UTC().Add(time.Minute)
	mem := &fakeMemory{
		observations: []store.Observation{obs("obs-1", "", now)},
	}
	state := NewState()
	a := NewInference(mem, state, "node-1", nil, testLogger())

	claims, err := a.Process(context.Background())
	require.NoError(t, err)
	require.Empty(t, claims)
	require.True(t, state.IsProcessed(processedObsKey, "obs-1"))
}

func TestInference_LockContention(t *testing.T) {
	now := time.Now().UTC().Add(time.Minute)
	mem := &fakeMemory{
		observations: []store.Observation{obs("obs-1", "alice moved to tokyo", now)},
		inferences:   map[string]string{"alice moved to tokyo": "alice lives in tokyo"},
	}
	state := NewState()
	// Another instance is already working on this observation.
	require.True(t, state.TryAcquire("inference:obs-1", "node-other", DefaultLockTTL))

	a := NewInference(mem, state, "node-1", nil, testLogger())
	claims, err := a.Process(context.Background())
	require.NoError(t, err)
	require.Empty(t, claims)
	require.False(t, state.IsProcessed(processedObsKey, "obs-1"),
		"contended observation stays available for a retry")
}

func TestInference_ErrorContinuesBatch(t *testing.T) {
	now := time.Now().UTC().Add(time.Minute)
	mem := &fakeMemory{
		observations: []store.Observation{
			obs("obs-bad", "cursed text", now),
			obs("obs-good", "alice moved to tokyo", now),
		},
		inferences: map[string]string{"alice moved to tokyo": "alice lives in tokyo"},
		inferErr:   map[string]error{"cursed text": fmt.Errorf("model overloaded")},
	}
	state := NewState()
	a := NewInference(mem, state, "node-1", nil, testLogger())

	claims, err := a.Process(context.Background())
	require.NoError(t, err, "per-observation failures never halt the batch")
	require.Equal(t, []string{"alice lives in tokyo"}, claims)
	require.False(t, state.IsProcessed(processedObsKey, "obs-bad"),
		"failed observation stays available for a retry")
	require.True(t, state.IsProcessed(processedObsKey, "obs-good"))
}

func TestInference_SchemaHotReload(t *testing.T) {
	a := NewInference(&fakeMemory{}, NewState(), "node-1", nil, testLogger())
	require.Nil(t, a.Schema())

	a.OnNetworkEvent("schema_updated", map[string]any{
		"schema": map[string]any{
			"schema_version": 2,
			"predicates": map[string]any{
				"has_hobby": map[string]any{"cardinality": "multi"},
			},
		},
	})
	require.NotNil(t, a.Schema())
	require.True(t, a.Schema().IsMultiValued("has_hobby"))

	// Non-schema events leave the snapshot alone.
	before := a.Schema()
	a.OnNetworkEvent("observe", map[string]any{"id": "obs-1"})
	require.Same(t, before, a.Schema())
}

func TestInference_EventTypes(t *testing.T) {
	a := NewInference(&fakeMemory{}, NewState(), "node-1", nil, testLogger())
	require.Equal(t, []string{"observe", "schema_updated"}, a.EventTypes())
	require.Equal(t, "inference_agent", a.Source())
}
