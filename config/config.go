package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-identities/filter"
)

// Config captures all command-line options required for one resolution run.
type Config struct {
	CorpusRoot         string
	Workers            int
	SentOnly           bool
	PrimaryHeader      string
	SecondaryHeader    string
	Sentinels          []string
	Progress           bool
	LogLevel           string
	LogDir             string
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
}

// FromIMAP reports whether the corpus is an IMAP mailbox instead of a directory tree.
func (c Config) FromIMAP() bool {
	return c.IMAPHost != ""
}

// FilterOptions derives the rejection policy options.
func (c Config) FilterOptions() filter.Options {
	opts := filter.Options{Sentinels: c.Sentinels}
	if c.SentOnly {
		opts.Folders = filter.SentFolders
	}
	return opts
}

// RegisterFlags attaches all CLI flags to the provided command. Flags are
// persistent so subcommands read the corpus the same way.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.PersistentFlags()
	flags.Int("workers", runtime.NumCPU(), "Number of files decoded concurrently")
	flags.Bool("sent-only", false, "Only read folders holding sent mail (sent, sent_items, sent_mail)")
	flags.String("primary-header", "From", "Header carrying the sender address")
	flags.String("secondary-header", "X-From", "Header carrying the sender display name")
	flags.StringArray("skip", filter.DefaultSentinels, "Regex for placeholder tokens, matched at the start of a token (repeatable)")
	flags.Bool("progress", false, "Show a progress bar on stderr")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory to additionally write log files to")
	flags.String("imap-host", "", "Read the corpus from this IMAP server instead of a directory")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("mailbox", "INBOX", "IMAP mailbox to read")
	return nil
}

// LoadConfig converts the parsed Cobra flags and positional args into a Config with validation.
func LoadConfig(cmd *cobra.Command, args []string) (Config, error) {
	flags := cmd.Flags()

	workers, err := flags.GetInt("workers")
	if err != nil {
		return Config{}, err
	}
	sentOnly, err := flags.GetBool("sent-only")
	if err != nil {
		return Config{}, err
	}
	primaryHeader, err := flags.GetString("primary-header")
	if err != nil {
		return Config{}, err
	}
	secondaryHeader, err := flags.GetString("secondary-header")
	if err != nil {
		return Config{}, err
	}
	sentinels, err := flags.GetStringArray("skip")
	if err != nil {
		return Config{}, err
	}
	progress, err := flags.GetBool("progress")
	if err != nil {
		return Config{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return Config{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Config{}, err
	}
	imapHost, err := flags.GetString("imap-host")
	if err != nil {
		return Config{}, err
	}
	imapPort, err := flags.GetInt("imap-port")
	if err != nil {
		return Config{}, err
	}
	imapUser, err := flags.GetString("imap-user")
	if err != nil {
		return Config{}, err
	}
	imapPass, err := flags.GetString("imap-pass")
	if err != nil {
		return Config{}, err
	}
	useTLS, err := flags.GetBool("use-tls")
	if err != nil {
		return Config{}, err
	}
	insecureSkipVerify, err := flags.GetBool("insecure-skip-verify")
	if err != nil {
		return Config{}, err
	}
	mailbox, err := flags.GetString("mailbox")
	if err != nil {
		return Config{}, err
	}

	var corpusRoot string
	if len(args) > 0 {
		corpusRoot = filepath.Clean(args[0])
	}

	if imapHost != "" && imapPass == "" {
		imapPass = os.Getenv("IMAP_PASS")
	}

	logLevel = strings.ToLower(logLevel)
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		CorpusRoot:         corpusRoot,
		Workers:            workers,
		SentOnly:           sentOnly,
		PrimaryHeader:      strings.TrimSpace(primaryHeader),
		SecondaryHeader:    strings.TrimSpace(secondaryHeader),
		Sentinels:          sentinels,
		Progress:           progress,
		LogLevel:           logLevel,
		LogDir:             logDir,
		IMAPHost:           imapHost,
		IMAPPort:           imapPort,
		IMAPUser:           imapUser,
		IMAPPass:           imapPass,
		UseTLS:             useTLS,
		InsecureSkipVerify: insecureSkipVerify,
		Mailbox:            mailbox,
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.CorpusRoot == "" && !cfg.FromIMAP() {
		return fmt.Errorf("a corpus root argument or --imap-host is required")
	}
	if cfg.CorpusRoot != "" && cfg.FromIMAP() {
		return fmt.Errorf("corpus root and --imap-host are mutually exclusive")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("--workers must be positive")
	}
	if cfg.PrimaryHeader == "" || cfg.SecondaryHeader == "" {
		return fmt.Errorf("--primary-header and --secondary-header must not be empty")
	}
	if strings.EqualFold(cfg.PrimaryHeader, cfg.SecondaryHeader) {
		return fmt.Errorf("--primary-header and --secondary-header must differ")
	}
	if cfg.FromIMAP() {
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required with --imap-host")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
		if cfg.SentOnly {
			return fmt.Errorf("--sent-only applies to directory corpora only")
		}
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}
