package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mnemonet/mnemo/internal/llm"
	"github.com/mnemonet/mnemo/internal/store"
)

func newDispatcher(t *testing.T, tr *fakeTranslator) (*Dispatcher, *store.MemGraph) {
	t.Helper()
	g := store.NewMemGraph()
	return NewDispatcher(NewService(g, tr, nil, testLogger())), g
}

func TestDispatcher_Observe(t *testing.T) {
	d, g := newDispatcher(t, &fakeTranslator{
		extractions: map[string]llm.ObservationData{"hello world": {Topics: []string{"greeting"}}},
	})

	result, err := d.Invoke(context.Background(), "observe",
		json.RawMessage(`{"text":"hello world","source":"cli_user"}`))
	require.NoError(t, err)
	id, ok := result.(string)
	require.True(t, ok, "observe returns the observation id")
	require.NotEmpty(t, id)

	obs, err := g.RecentObservations(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, id, obs[0].ID)
}

func TestDispatcher_FlagAndClearReturnStatus(t *testing.T) {
	d, g := newDispatcher(t, &fakeTranslator{})
	ctx := context.Background()
	require.NoError(t, g.CreateStatement(ctx, "stmt-1", "p", 0.9, false))
	require.NoError(t, g.CreateStatement(ctx, "stmt-2", "p", 0.9, false))

	result, err := d.Invoke(ctx, "flag_contradiction",
		json.RawMessage(`{"stmt_id_1":"stmt-1","stmt_id_2":"stmt-2","reason":"r"}`))
	require.NoError(t, err)
	require.Equal(t, map[string]any{"status": "ok"}, result)

	result, err = d.Invoke(ctx, "clear", nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"status": "ok"}, result)

	counts, err := g.Counts(ctx)
	require.NoError(t, err)
	require.Zero(t, counts.Statements)
}

func TestDispatcher_InferEmptyIsNil(t *testing.T) {
	d, _ := newDispatcher(t, &fakeTranslator{inferText: ""})
	result, err := d.Invoke(context.Background(), "infer",
		json.RawMessage(`{"observation_text":"nothing to derive"}`))
	require.NoError(t, err)
	require.Nil(t, result, "declined inference is null on the wire")

	d2, _ := newDispatcher(t, &fakeTranslator{inferText: "alice lives in tokyo"})
	result, err = d2.Invoke(context.Background(), "infer",
		json.RawMessage(`{"observation_text":"..."}`))
	require.NoError(t, err)
	require.Equal(t, "alice lives in tokyo", result)
}

func TestDispatcher_LimitDefaults(t *testing.T) {
	d, g := newDispatcher(t, &fakeTranslator{})
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		require.NoError(t, g.CreateStatement(ctx, fmt.Sprintf("stmt-%d", i), "p", 0.9, false))
	}

	result, err := d.Invoke(ctx, "get_recent_statements", nil)
	require.NoError(t, err)
	require.Len(t, result.([]store.Statement), 20, "default statement limit")

	result, err = d.Invoke(ctx, "get_recent_statements", json.RawMessage(`{"limit":5}`))
	require.NoError(t, err)
	require.Len(t, result.([]store.Statement), 5)
}

func TestDispatcher_UnknownMethod(t *testing.T) {
	d, _ := newDispatcher(t, &fakeTranslator{})
	_, err := d.Invoke(context.Background(), "teleport", nil)
	require.ErrorContains(t, err, `unknown method "teleport"`)
}

func TestDispatcher_MalformedArgs(t *testing.T) {
	d, _ := newDispatcher(t, &fakeTranslator{})
	_, err := d.Invoke(context.Background(), "observe", json.RawMessage(`{"text":42}`))
	require.ErrorContains(t, err, "decode args")
}
