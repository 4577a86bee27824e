package cmd

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-identities/config"
	"github.com/dhcgn/mail-identities/extract"
	"github.com/dhcgn/mail-identities/filter"
	"github.com/dhcgn/mail-identities/imap"
	"github.com/dhcgn/mail-identities/progress"
	"github.com/dhcgn/mail-identities/resolver"
	"github.com/dhcgn/mail-identities/runner"
	"github.com/dhcgn/mail-identities/stats"
)

var rootCmd = &cobra.Command{
	Use:   "mail-identities [corpus root]",
	Short: "Resolve sender addresses and display names into identity clusters",
	Long: `Reads every message file below the corpus root, pairs the sender address with
the display name found on the same message and merges the pairs into classes
of equivalent identities. One "<representative>;<address>" line is printed per
distinct sender address. The representative is whichever token survived the
merges and is not a chosen canonical name.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cmd, args)
		if err != nil {
			return err
		}

		logger, cleanup, err := setupLogger(cfg, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		slog.SetDefault(logger)
		logger.Info("starting mail-identities", "corpus", cfg.CorpusRoot, "imap", cfg.IMAPHost, "workers", cfg.Workers, "sentOnly", cfg.SentOnly)

		return run(cfg, logger, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

// Execute runs the command line.
func Execute() error {
	if err := config.RegisterFlags(rootCmd); err != nil {
		return fmt.Errorf("register CLI flags: %w", err)
	}
	return rootCmd.Execute()
}

func run(cfg config.Config, logger *slog.Logger, stdout, stderr io.Writer) error {
	policy, err := filter.New(cfg.FilterOptions())
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}

	source, err := newSource(cfg, policy, logger)
	if err != nil {
		return err
	}

	out := bufio.NewWriter(stdout)
	defer out.Flush()

	r, err := runner.New(logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	stats.NewReporter(r, r.Logger())

	if cfg.Progress && !cfg.FromIMAP() {
		total, err := extract.CountFiles(cfg.CorpusRoot, policy)
		if err != nil {
			return fmt.Errorf("count corpus files: %w", err)
		}
		bar := progress.New(total, stderr)
		r.SubscribeStats("progress-bar", bar.Subscriber)
		defer bar.Stop()
	}

	res := resolver.New(policy, out, r.Logger())
	resolver.NewConsumer(res, r)
	extract.NewProducer(source, r)

	if err := r.Start(); err != nil {
		return err
	}

	for pattern, hits := range policy.Hits() {
		r.Logger().Debug("sentinel pattern", "pattern", pattern, "hits", hits)
	}
	r.Logger().Info("identities resolved", "tokens", res.Forest().Len(), "classes", res.Forest().Classes())

	if err := resolver.WriteReport(out, res.Report()); err != nil {
		return err
	}
	return out.Flush()
}

// newSource builds the configured corpus source. A bad corpus root fails
// here, before any stage starts.
func newSource(cfg config.Config, policy *filter.Policy, logger *slog.Logger) (extract.Source, error) {
	fields := extract.Fields{Primary: cfg.PrimaryHeader, Secondary: cfg.SecondaryHeader}

	if cfg.FromIMAP() {
		src, err := imap.NewSource(imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Mailbox:            cfg.Mailbox,
			Fields:             fields,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("imap.NewSource: %w", err)
		}
		return src, nil
	}

	src, err := extract.NewDirSource(extract.Options{
		Root:    cfg.CorpusRoot,
		Workers: cfg.Workers,
		Fields:  fields,
	}, policy, logger)
	if err != nil {
		return nil, fmt.Errorf("extract.NewDirSource: %w", err)
	}
	return src, nil
}

// setupLogger logs to stderr, because stdout carries the report.
func setupLogger(cfg config.Config, stderr io.Writer) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mail-identities-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(stderr, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(stderr, opts)
	return slog.New(handler), cleanup, nil
}
