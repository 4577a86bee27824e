package extract

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/mail-identities/filter"
	"github.com/dhcgn/mail-identities/model"
	"github.com/dhcgn/mail-identities/runner"
)

// ErrCorpusRoot is returned when the corpus root is missing or not a directory.
var ErrCorpusRoot = errors.New("corpus root is not a readable directory")

// Source produces envelopes of observations. Stream sends every envelope it
// creates, including ones carrying a decode error, and returns when the
// source is exhausted.
type Source interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

type Options struct {
	Root    string
	Workers int
	Fields  Fields
}

// DirSource walks a directory tree of message files in lexical order and
// decodes them with a bounded pool of workers. Envelopes are sent in walk
// order, so at most Workers decoded files wait to be sent at any time.
type DirSource struct {
	root    string
	workers int
	fields  Fields
	policy  *filter.Policy
	logger  *slog.Logger
}

// NewDirSource validates the corpus root up front so a bad root fails the
// run before anything is resolved.
func NewDirSource(opts Options, policy *filter.Policy, logger *slog.Logger) (*DirSource, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, fmt.Errorf("%w: path is empty", ErrCorpusRoot)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorpusRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrCorpusRoot, root)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	fields := opts.Fields
	if fields == (Fields{}) {
		fields = DefaultFields
	}
	if policy == nil {
		policy, err = filter.New(filter.Options{})
		if err != nil {
			return nil, err
		}
	}

	return &DirSource{
		root:    root,
		workers: workers,
		fields:  fields,
		policy:  policy,
		logger:  logger,
	}, nil
}

func (d *DirSource) Stream(ctx context.Context, out chan<- model.Envelope) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)

	// Each file waits for its predecessor to be sent before sending itself.
	turn := make(chan struct{})
	close(turn)

	seq := 0
	walkErr := d.walk(gctx, func(path string) {
		n := seq
		seq++
		prev, done := turn, make(chan struct{})
		turn = done
		g.Go(func() error {
			defer close(done)
			env := d.read(n, path)
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-prev:
			}
			return d.emit(gctx, out, env)
		})
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return walkErr
}

// walk calls fn for every regular file in an allowed folder. Unreadable
// subdirectories are logged and skipped.
func (d *DirSource) walk(ctx context.Context, fn func(path string)) error {
	return filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == d.root {
				return fmt.Errorf("%w: %w", ErrCorpusRoot, err)
			}
			d.warn("skipping unreadable path", "path", path, "err", err)
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		if !d.policy.AllowsFolder(filepath.Dir(path)) {
			return nil
		}
		fn(path)
		return nil
	})
}

func (d *DirSource) read(seq int, path string) model.Envelope {
	env := model.Envelope{Seq: seq, Source: path}

	raw, err := os.ReadFile(path)
	if err != nil {
		env.Err = fmt.Errorf("read %s: %w", path, err)
		return env
	}

	observations, defects, err := ParseFile(raw, d.fields)
	for i := range observations {
		observations[i].Source = path
	}
	env.Observations = observations
	env.Defects = defects
	if err != nil {
		env.Err = fmt.Errorf("parse %s: %w", path, err)
	}
	return env
}

func (d *DirSource) emit(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

func (d *DirSource) warn(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Warn(msg, args...)
	}
}

// CountFiles returns how many files a DirSource over root would read.
func CountFiles(root string, policy *filter.Policy) (int, error) {
	count := 0
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.Type().IsRegular() && (policy == nil || policy.AllowsFolder(filepath.Dir(path))) {
			count++
		}
		return nil
	})
	return count, err
}

// Producer registers a Source as the extraction stage of a runner.
type Producer struct {
	source Source
	runner *runner.Runner
}

func NewProducer(source Source, r *runner.Runner) *Producer {
	producer := &Producer{source: source, runner: r}
	r.AddStage("extract", producer.run)
	return producer
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.CloseEnvelopes()
	return p.source.Stream(ctx, p.runner.EnvelopeWriter())
}
