package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/mail-identities/model"
	"github.com/dhcgn/mail-identities/state"
	"github.com/dhcgn/mail-identities/stats"
)

type StageFunc func(context.Context) error

// Runner wires the extraction stage to the single resolving consumer.
// Envelopes may arrive in any order; the bridge releases their observations
// in sequence order with duplicates removed. Envelopes ahead of the next
// expected sequence are held in memory, so producers should send close to
// sequence order.
type Runner struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	envelopes    chan model.Envelope
	observations chan model.Observation
	events       chan stats.Event

	subMu       sync.Mutex
	subscribers []chan stats.Event

	tracker state.Tracker

	workWG   sync.WaitGroup
	statsWG  sync.WaitGroup
	fanoutWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeEnvelopesOnce    sync.Once
	closeObservationsOnce sync.Once
	closeEventsOnce       sync.Once
	since                 time.Time
}

func New(logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())

	r := &Runner{
		logger:       logger.With("run", uuid.NewString()),
		ctx:          ctx,
		cancel:       cancel,
		envelopes:    make(chan model.Envelope, 32),
		observations: make(chan model.Observation, 256),
		events:       make(chan stats.Event, 128),
		tracker:      state.NewMemoryTracker(),
	}

	r.fanoutWG.Add(1)
	go r.fanout()

	r.AddStage("bridge", r.bridge)
	return r, nil
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) EnvelopeWriter() chan<- model.Envelope {
	return r.envelopes
}

func (r *Runner) CloseEnvelopes() {
	r.closeEnvelopesOnce.Do(func() {
		close(r.envelopes)
	})
}

// Observations is drained by exactly one consumer.
func (r *Runner) Observations() <-chan model.Observation {
	return r.observations
}

func (r *Runner) EmitEvent(evt stats.Event) {
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

// SubscribeStats registers fn to receive every event. Subscribe before
// adding producing stages or early events are missed.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

func (r *Runner) Start() error {
	r.since = time.Now()

	r.workWG.Wait()
	r.closeEvents()
	r.fanoutWG.Wait()
	r.statsWG.Wait()

	r.cancel()

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration, "distinctObservations", r.tracker.Snapshot().Seen)
	return nil
}

func (r *Runner) fanout() {
	defer r.fanoutWG.Done()
	for evt := range r.events {
		r.subMu.Lock()
		subs := r.subscribers
		r.subMu.Unlock()
		for _, ch := range subs {
			select {
			case ch <- evt:
			case <-r.ctx.Done():
			}
		}
	}
	r.subMu.Lock()
	for _, ch := range r.subscribers {
		close(ch)
	}
	r.subMu.Unlock()
}

func (r *Runner) bridge(ctx context.Context) error {
	defer r.closeObservations()

	pending := make(map[int]model.Envelope)
	next := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.envelopes:
			if !ok {
				return r.drain(ctx, pending)
			}
			pending[envelope.Seq] = envelope
			for {
				env, ready := pending[next]
				if !ready {
					break
				}
				delete(pending, next)
				next++
				if err := r.forward(ctx, env); err != nil {
					return err
				}
			}
		}
	}
}

// drain forwards whatever is left after the producer closed, in order.
// Gaps only appear when a producer skipped sequence numbers.
func (r *Runner) drain(ctx context.Context, pending map[int]model.Envelope) error {
	if len(pending) == 0 {
		return nil
	}
	seqs := make([]int, 0, len(pending))
	for seq := range pending {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	r.logger.Debug("forwarding envelopes after sequence gap", "count", len(seqs), "first", seqs[0])
	for _, seq := range seqs {
		if err := r.forward(ctx, pending[seq]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) forward(ctx context.Context, env model.Envelope) error {
	if env.Err != nil {
		r.logger.Warn("skipping unreadable input", "source", env.Source, "err", env.Err)
		r.EmitEvent(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeSkipped, Source: env.Source, Err: env.Err})
	} else {
		r.EmitEvent(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeScanned, Source: env.Source})
	}

	for _, defect := range env.Defects {
		r.logger.Debug("header ended at a broken line", "source", env.Source, "err", defect)
		r.EmitEvent(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeDefect, Source: env.Source, Err: defect})
	}

	for _, obs := range env.Observations {
		key := state.Key(obs)
		if !r.tracker.MarkSeen(key, obs.Source) {
			first, _ := r.tracker.FirstSource(key)
			r.logger.Debug("dropping duplicate pair", "pair", obs.String(), "source", obs.Source, "firstSeen", first)
			r.EmitEvent(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeDuplicate, Source: obs.Source, Detail: first})
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case r.observations <- obs:
			r.EmitEvent(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeObserved, Source: obs.Source})
		}
	}
	return nil
}

func (r *Runner) closeObservations() {
	r.closeObservationsOnce.Do(func() {
		close(r.observations)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		close(r.events)
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
