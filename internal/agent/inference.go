package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mnemonet/mnemo/internal/memory"
	"github.com/mnemonet/mnemo/internal/schema"
)

const processedObsKey = "agent:inference:processed_obs"

// Inference watches for new observations and derives claims from them
// through the LLM. Observations older than the agent's own start are
// skipped so a restart never re-derives old facts.
type Inference struct {
	memory    memory.API
	state     *State
	instance  string
	startTime time.Time
	log       *slog.Logger

	mu     sync.Mutex
	schema *schema.PredicateSchema
}

// NewInference builds the inference worker. instance distinguishes
// concurrent agent instances for lock ownership; sch may be nil.
func NewInference(mem memory.API, state *State, instance string, sch *schema.PredicateSchema, log *slog.Logger) *Inference {
	if state == nil {
		state = NewState()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Inference{
		memory:    mem,
		state:     state,
		instance:  instance,
		startTime: time.Now().UTC(),
		log:       log,
		schema:    sch,
	}
}

func (a *Inference) Source() string { return "inference_agent" }

func (a *Inference) EventTypes() []string { return []string{"observe", "schema_updated"} }

// OnNetworkEvent hot-swaps the schema snapshot on schema_updated events.
// Events without a schema payload are ignored.
func (a *Inference) OnNetworkEvent(eventType string, data map[string]any) {
	if eventType != "schema_updated" {
		return
	}
	doc, ok := schema.DocumentFromAny(data["schema"])
	if !ok {
		return
	}
	a.mu.Lock()
	a.schema = schema.Build(doc)
	a.mu.Unlock()
	a.log.Info("schema reloaded", "version", doc.SchemaVersion)
}

// Schema returns the current snapshot.
func (a *Inference) Schema() *schema.PredicateSchema {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.schema
}

// Process scans recent observations and returns inferred claim texts.
// Per-observation failures are logged and do not halt the batch.
func (a *Inference) Process(ctx context.Context) ([]string, error) {
	observations, err := a.memory.RecentObservations(ctx, 10)
	if err != nil {
		return nil, err
	}

	var claims []string
	for _, obs := range observations {
		if !obs.CreatedAt.IsZero() && obs.CreatedAt.Before(a.startTime) {
			continue
		}
		if a.state.IsProcessed(processedObsKey, obs.ID) {
			continue
		}
		if obs.RawContent == "" {
			a.state.MarkProcessed(processedObsKey, obs.ID)
			continue
		}
		if !a.state.TryAcquire("inference:"+obs.ID, a.instance, DefaultLockTTL) {
			continue
		}

		text, ierr := a.memory.Infer(ctx, obs.RawContent)
		if ierr != nil {
			a.log.Error("inference failed", "observation", obs.ID, "error", ierr)
			continue
		}
		if text != "" {
			claims = append(claims, text)
			a.log.Info("inferred claim", "observation", obs.ID)
		}
		a.state.MarkProcessed(processedObsKey, obs.ID)
	}
	return claims, nil
}

var _ Worker = (*Inference)(nil)
var _ NetworkEventHandler = (*Inference)(nil)
