package resolver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/dhcgn/mail-identities/filter"
	"github.com/dhcgn/mail-identities/model"
	"github.com/dhcgn/mail-identities/runner"
	"github.com/dhcgn/mail-identities/stats"
)

// Outcome is what Observe did with one observation.
type Outcome int

const (
	// Merged means two previously distinct classes were joined.
	Merged Outcome = iota
	// Redundant means both tokens already shared a class.
	Redundant
	// RejectedMalformed means a token was missing; a diagnostic was written.
	RejectedMalformed
	// RejectedSentinel means a token matched a placeholder pattern.
	RejectedSentinel
)

// Entry is one report line. Representative is whichever token survived the
// merges; it carries no meaning beyond naming the class.
type Entry struct {
	Representative string
	Token          string
}

// Resolver applies the rejection policy to observations and merges accepted
// pairs into a Forest. It is driven by a single goroutine.
type Resolver struct {
	forest *Forest[string]
	policy *filter.Policy
	diag   io.Writer
	logger *slog.Logger

	primaries   []string
	seenPrimary map[string]struct{}
}

// New returns a Resolver writing "Error in tuple" diagnostics to diag.
func New(policy *filter.Policy, diag io.Writer, logger *slog.Logger) *Resolver {
	if diag == nil {
		diag = io.Discard
	}
	return &Resolver{
		forest:      NewForest[string](),
		policy:      policy,
		diag:        diag,
		logger:      logger,
		seenPrimary: make(map[string]struct{}),
	}
}

func (r *Resolver) Observe(obs model.Observation) Outcome {
	if obs.Primary.Present {
		if _, ok := r.seenPrimary[obs.Primary.Value]; !ok {
			r.seenPrimary[obs.Primary.Value] = struct{}{}
			r.primaries = append(r.primaries, obs.Primary.Value)
		}
	}

	switch r.policy.Check(obs) {
	case filter.Malformed:
		fmt.Fprintf(r.diag, "Error in tuple: %s\n", obs)
		return RejectedMalformed
	case filter.Sentinel:
		return RejectedSentinel
	}

	a, b := obs.Primary.Value, obs.Secondary.Value
	if r.forest.Find(a) == r.forest.Find(b) {
		return Redundant
	}
	r.forest.Union(a, b)
	if r.logger != nil {
		r.logger.Debug("merged identities", "primary", a, "secondary", b, "representative", r.forest.Find(a))
	}
	return Merged
}

// Find returns the representative of token's class.
func (r *Resolver) Find(token string) string {
	return r.forest.Find(token)
}

// Forest exposes the underlying structure for inspection.
func (r *Resolver) Forest() *Forest[string] {
	return r.forest
}

// Report returns one entry per distinct primary token in first-seen order.
func (r *Resolver) Report() []Entry {
	entries := make([]Entry, 0, len(r.primaries))
	for _, token := range r.primaries {
		entries = append(entries, Entry{Representative: r.forest.Find(token), Token: token})
	}
	return entries
}

// WriteReport writes entries as "<representative>;<token>" lines.
func WriteReport(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := fmt.Fprintf(bw, "%s;%s\n", e.Representative, e.Token); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush report: %w", err)
	}
	return nil
}

// Consumer drains a runner's observations into a Resolver.
type Consumer struct {
	resolver     *Resolver
	runner       *runner.Runner
	observations <-chan model.Observation
	logger       *slog.Logger
}

func NewConsumer(res *Resolver, r *runner.Runner) *Consumer {
	consumer := &Consumer{
		resolver:     res,
		runner:       r,
		observations: r.Observations(),
		logger:       r.Logger(),
	}
	r.AddStage("resolve", consumer.run)
	return consumer
}

func (c *Consumer) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case obs, ok := <-c.observations:
			if !ok {
				c.logger.Debug("resolution finished", "tokens", c.resolver.forest.Len(), "classes", c.resolver.forest.Classes())
				return nil
			}

			evt := stats.Event{Stage: stats.StageResolve, Source: obs.Source}
			switch c.resolver.Observe(obs) {
			case Merged:
				evt.Type = stats.EventTypeMerged
			case Redundant:
				evt.Type = stats.EventTypeRedundant
			case RejectedMalformed:
				evt.Type = stats.EventTypeMalformed
				evt.Detail = obs.String()
			case RejectedSentinel:
				evt.Type = stats.EventTypeSentinel
				evt.Detail = obs.String()
				c.logger.Debug("skipping placeholder pair", "pair", obs.String(), "source", obs.Source)
			}
			c.runner.EmitEvent(evt)
		}
	}
}
