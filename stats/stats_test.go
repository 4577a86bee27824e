package stats

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollector_Run(t *testing.T) {
	events := make(chan Event, 16)
	boom := errors.New("bad header")

	for _, typ := range []EventType{
		EventTypeScanned, EventTypeScanned, EventTypeObserved, EventTypeObserved,
		EventTypeDuplicate, EventTypeDefect, EventTypeMalformed, EventTypeSentinel, EventTypeMerged, EventTypeRedundant,
	} {
		events <- Event{Type: typ}
	}
	events <- Event{Stage: StageExtract, Type: EventTypeSkipped, Err: boom}
	close(events)

	c := NewCollector()
	c.Run(context.Background(), events)

	assert.Equal(t, Summary{
		Scanned:      2,
		Skipped:      1,
		Observations: 2,
		Duplicates:   1,
		Defects:      1,
		Malformed:    1,
		Sentinels:    1,
		Merged:       1,
		Redundant:    1,
		LastError:    boom,
	}, c.Snapshot())
}

func TestSummary_LogAttrs(t *testing.T) {
	attrs := Summary{Scanned: 3, LastError: errors.New("x")}.LogAttrs()
	assert.Contains(t, attrs, "lastError")
	assert.Equal(t, "scanned", attrs[0])
	assert.Equal(t, 3, attrs[1])
}
