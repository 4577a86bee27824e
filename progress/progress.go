package progress

import (
	"context"
	"io"
	"sync"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mail-identities/stats"
)

// Bar tracks corpus files as the extraction stage reports them.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	mu      sync.Mutex
	enabled bool
}

// New starts a progress bar over total files written to w. A non-positive
// total disables the bar.
func New(total int, w io.Writer) *Bar {
	bar := &Bar{total: total, enabled: total > 0}
	if !bar.enabled {
		return bar
	}

	pb, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle("Reading corpus").
		WithWriter(w).
		Start()
	if err != nil {
		bar.enabled = false
		return bar
	}
	bar.pb = pb
	return bar
}

// Update advances the bar for every file the extraction stage finished.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled || b.pb == nil || evt.Stage != stats.StageExtract {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeScanned, stats.EventTypeSkipped:
		if b.pb.Current < b.total {
			b.pb.Increment()
		}
	}
}

// Stop finalizes the bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
}

// Subscriber feeds runner events into the bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}
