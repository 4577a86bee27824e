package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Stage string

const (
	StageExtract Stage = "extract"
	StageResolve Stage = "resolve"
)

type EventType string

const (
	EventTypeScanned   EventType = "scanned"
	EventTypeSkipped   EventType = "skipped"
	EventTypeObserved  EventType = "observed"
	EventTypeDuplicate EventType = "duplicate"
	EventTypeMalformed EventType = "malformed"
	EventTypeSentinel  EventType = "sentinel"
	EventTypeMerged    EventType = "merged"
	EventTypeRedundant EventType = "redundant"
	EventTypeDefect    EventType = "defect"
)

type Event struct {
	Stage  Stage
	Type   EventType
	Source string
	Err    error
	Detail string
}

type Summary struct {
	Scanned      int
	Skipped      int
	Observations int
	Duplicates   int
	Malformed    int
	Sentinels    int
	Merged       int
	Redundant    int
	Defects      int
	LastError    error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"skipped", s.Skipped,
		"observations", s.Observations,
		"duplicates", s.Duplicates,
		"malformed", s.Malformed,
		"sentinels", s.Sentinels,
		"merged", s.Merged,
		"redundant", s.Redundant,
		"defects", s.Defects,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Apply folds a single event into the summary.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeSkipped:
		c.summary.Skipped++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeObserved:
		c.summary.Observations++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeMalformed:
		c.summary.Malformed++
	case EventTypeSentinel:
		c.summary.Sentinels++
	case EventTypeMerged:
		c.summary.Merged++
	case EventTypeRedundant:
		c.summary.Redundant++
	case EventTypeDefect:
		c.summary.Defects++
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}
