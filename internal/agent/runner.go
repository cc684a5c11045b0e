package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mnemonet/mnemo/internal/memory"
	"github.com/mnemonet/mnemo/pkg/p2p"
)

// Run-loop timing.
const (
	StartupAttempts   = 12
	StartupRetryDelay = 5 * time.Second
	ErrorBackoff      = 5 * time.Second
	DefaultPoll       = 5 * time.Second
)

// Worker is one unit of agent logic. Process returns claim texts to
// assert (the validator flags directly and returns none); it must be
// internally idempotent.
type Worker interface {
	Source() string
	EventTypes() []string
	Process(ctx context.Context) ([]string, error)
}

// NetworkEventHandler is implemented by workers that consume event
// payloads beyond the wakeup, such as schema hot reload.
type NetworkEventHandler interface {
	OnNetworkEvent(eventType string, data map[string]any)
}

// Runner drives a Worker: event-triggered with a poll fallback,
// startup retry while the network comes up, error backoff, and claim
// submission through the memory API.
type Runner struct {
	worker  Worker
	memory  memory.API
	poll    time.Duration
	log     *slog.Logger
	metrics *p2p.Metrics

	events map[string]struct{}
	wake   chan struct{}
}

// NewRunner builds a runner for worker. pollInterval 0 takes the default.
func NewRunner(worker Worker, mem memory.API, pollInterval time.Duration, log *slog.Logger, metrics *p2p.Metrics) *Runner {
	if pollInterval == 0 {
		pollInterval = DefaultPoll
	}
	if log == nil {
		log = slog.Default()
	}
	events := make(map[string]struct{})
	for _, t := range worker.EventTypes() {
		events[t] = struct{}{}
	}
	return &Runner{
		worker:  worker,
		memory:  mem,
		poll:    pollInterval,
		log:     log.With("agent", worker.Source()),
		metrics: metrics,
		events:  events,
		wake:    make(chan struct{}, 1),
	}
}

// OnNetworkEvent is registered as a node event listener. It forwards
// payloads to the worker when it wants them and latches the wakeup flag
// for subscribed event types.
func (r *Runner) OnNetworkEvent(eventType string, data map[string]any) {
	if _, subscribed := r.events[eventType]; !subscribed {
		return
	}
	if h, ok := r.worker.(NetworkEventHandler); ok {
		h.OnNetworkEvent(eventType, data)
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled. The first successful tick may take
// up to StartupAttempts retries to tolerate peers that come up after us.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.startup(ctx); err != nil {
		return err
	}
	r.log.Info("agent running", "poll_interval", r.poll, "events", r.worker.EventTypes())

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("agent stopped")
			return nil
		case <-r.wake:
			r.tick(ctx, "event")
		case <-ticker.C:
			r.tick(ctx, "poll")
		}
	}
}

func (r *Runner) startup(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= StartupAttempts; attempt++ {
		if err := r.tick(ctx, "startup"); err == nil {
			return nil
		} else {
			lastErr = err
		}
		r.log.Warn("startup tick failed, retrying",
			"attempt", attempt, "max", StartupAttempts, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(StartupRetryDelay):
		}
	}
	return fmt.Errorf("agent %s failed to start after %d attempts: %w",
		r.worker.Source(), StartupAttempts, lastErr)
}

// tick drains the wakeup flag, runs one Process pass, and submits the
// returned claims. Errors back the loop off briefly.
func (r *Runner) tick(ctx context.Context, trigger string) error {
	select {
	case <-r.wake:
	default:
	}

	if r.metrics != nil {
		r.metrics.AgentTicksTotal.WithLabelValues(r.worker.Source(), trigger).Inc()
	}
	claims, err := r.worker.Process(ctx)
	if err != nil {
		r.log.Error("process failed", "trigger", trigger, "error", err)
		if r.metrics != nil {
			r.metrics.AgentErrorsTotal.WithLabelValues(r.worker.Source()).Inc()
		}
		if trigger != "startup" {
			select {
			case <-ctx.Done():
			case <-time.After(ErrorBackoff):
			}
		}
		return err
	}

	for _, text := range claims {
		if _, cerr := r.memory.Claim(ctx, text, r.worker.Source()); cerr != nil {
			r.log.Error("claim submission failed", "error", cerr)
			if r.metrics != nil {
				r.metrics.AgentErrorsTotal.WithLabelValues(r.worker.Source()).Inc()
			}
		} else {
			r.log.Info("claimed", "text", truncate(text, 80))
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
