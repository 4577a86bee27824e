package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-identities/model"
	"github.com/dhcgn/mail-identities/stats"
)

func newRunner(t *testing.T) *Runner {
	t.Helper()
	r, err := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return r
}

func envelope(seq int, primaries ...string) model.Envelope {
	env := model.Envelope{Seq: seq, Source: "file"}
	for _, p := range primaries {
		env.Observations = append(env.Observations, model.Observation{
			Primary:   model.NewToken(p),
			Secondary: model.NewToken("name of " + p),
		})
	}
	return env
}

// feed registers a producer stage sending envs in the given order.
func feed(r *Runner, envs ...model.Envelope) {
	r.AddStage("feed", func(ctx context.Context) error {
		defer r.CloseEnvelopes()
		for _, env := range envs {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.EnvelopeWriter() <- env:
			}
		}
		return nil
	})
}

// drainObservations registers a consumer stage collecting primaries.
func drainObservations(r *Runner) *[]string {
	var got []string
	r.AddStage("collect", func(ctx context.Context) error {
		for obs := range r.Observations() {
			got = append(got, obs.Primary.Value)
		}
		return nil
	})
	return &got
}

func TestRunner_ReordersBySeq(t *testing.T) {
	r := newRunner(t)
	got := drainObservations(r)
	feed(r, envelope(2, "c"), envelope(0, "a"), envelope(3, "d1", "d2"), envelope(1, "b"))

	require.NoError(t, r.Start())
	assert.Equal(t, []string{"a", "b", "c", "d1", "d2"}, *got)
}

func TestRunner_DropsDuplicateObservations(t *testing.T) {
	r := newRunner(t)

	var mu sync.Mutex
	var summary stats.Summary
	r.SubscribeStats("test", func(ctx context.Context, events <-chan stats.Event) error {
		c := stats.NewCollector()
		c.Run(ctx, events)
		mu.Lock()
		summary = c.Snapshot()
		mu.Unlock()
		return nil
	})

	got := drainObservations(r)
	feed(r, envelope(0, "a", "b"), envelope(1, "a"), envelope(2, "b", "c"))

	require.NoError(t, r.Start())
	assert.Equal(t, []string{"a", "b", "c"}, *got)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, summary.Scanned)
	assert.Equal(t, 3, summary.Observations)
	assert.Equal(t, 2, summary.Duplicates)
}

func TestRunner_SkipsFailedEnvelopes(t *testing.T) {
	r := newRunner(t)

	var skipped []string
	r.SubscribeStats("test", func(ctx context.Context, events <-chan stats.Event) error {
		for evt := range events {
			if evt.Type == stats.EventTypeSkipped {
				skipped = append(skipped, evt.Source)
			}
		}
		return nil
	})

	got := drainObservations(r)
	bad := model.Envelope{Seq: 1, Source: "broken", Err: errors.New("permission denied")}
	feed(r, envelope(0, "a"), bad, envelope(2, "c"))

	require.NoError(t, r.Start())
	assert.Equal(t, []string{"a", "c"}, *got)
	assert.Equal(t, []string{"broken"}, skipped)
}

func TestRunner_EventsReachEverySubscriber(t *testing.T) {
	r := newRunner(t)

	counts := make([]int, 2)
	for i := range counts {
		r.SubscribeStats("sub", func(ctx context.Context, events <-chan stats.Event) error {
			for range events {
				counts[i]++
			}
			return nil
		})
	}

	drainObservations(r)
	feed(r, envelope(0, "a"), envelope(1, "b"))

	require.NoError(t, r.Start())
	// two scanned + two observed events each
	assert.Equal(t, []int{4, 4}, counts)
}

func TestRunner_StageFailure(t *testing.T) {
	r := newRunner(t)
	drainObservations(r)

	boom := errors.New("corpus vanished")
	r.AddStage("extract", func(ctx context.Context) error {
		defer r.CloseEnvelopes()
		return boom
	})

	err := r.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestRunner_GapIsDrainedInOrder(t *testing.T) {
	r := newRunner(t)
	got := drainObservations(r)
	feed(r, envelope(3, "d"), envelope(0, "a"), envelope(2, "c"))

	require.NoError(t, r.Start())
	assert.Equal(t, []string{"a", "c", "d"}, *got)
}

func TestNew_RequiresLogger(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestRunner_DefectsAreCountedAndObservationsKept(t *testing.T) {
	r := newRunner(t)

	var mu sync.Mutex
	var summary stats.Summary
	var duplicateOf []string
	r.SubscribeStats("test", func(ctx context.Context, events <-chan stats.Event) error {
		c := stats.NewCollector()
		for evt := range events {
			c.Apply(evt)
			if evt.Type == stats.EventTypeDuplicate {
				mu.Lock()
				duplicateOf = append(duplicateOf, evt.Detail)
				mu.Unlock()
			}
		}
		mu.Lock()
		summary = c.Snapshot()
		mu.Unlock()
		return nil
	})

	got := drainObservations(r)
	broken := envelope(0, "a")
	broken.Source = "maildir/a/1."
	broken.Observations[0].Source = "maildir/a/1."
	broken.Defects = []error{errors.New("malformed header: X-To continuation")}
	again := envelope(1, "a")
	again.Observations[0].Source = "maildir/b/1."
	feed(r, broken, again)

	require.NoError(t, r.Start())
	assert.Equal(t, []string{"a"}, *got)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, summary.Scanned)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, 1, summary.Defects)
	assert.Equal(t, 1, summary.Duplicates)
	assert.Equal(t, []string{"maildir/a/1."}, duplicateOf)
}
