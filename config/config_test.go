package config

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-identities/filter"
)

func newCommand(t *testing.T, flagArgs ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	require.NoError(t, RegisterFlags(cmd))
	require.NoError(t, cmd.ParseFlags(flagArgs))
	return cmd
}

func TestLoadConfig_Defaults(t *testing.T) {
	cmd := newCommand(t)

	cfg, err := LoadConfig(cmd, []string{"maildir/"})
	require.NoError(t, err)

	assert.Equal(t, "maildir", cfg.CorpusRoot)
	assert.Equal(t, "From", cfg.PrimaryHeader)
	assert.Equal(t, "X-From", cfg.SecondaryHeader)
	assert.Equal(t, filter.DefaultSentinels, cfg.Sentinels)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Positive(t, cfg.Workers)
	assert.False(t, cfg.FromIMAP())
	assert.Empty(t, cfg.FilterOptions().Folders)
}

func TestLoadConfig_Flags(t *testing.T) {
	cmd := newCommand(t, "--sent-only", "--skip", "mailer-daemon@", "--log-level", "WARNING", "--workers", "3")

	cfg, err := LoadConfig(cmd, []string{"maildir"})
	require.NoError(t, err)

	assert.True(t, cfg.SentOnly)
	assert.Equal(t, []string{"mailer-daemon@"}, cfg.Sentinels)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, filter.SentFolders, cfg.FilterOptions().Folders)
}

func TestLoadConfig_IMAP(t *testing.T) {
	t.Setenv("IMAP_PASS", "secret")
	cmd := newCommand(t, "--imap-host", "imap.example.com", "--imap-user", "kay")

	cfg, err := LoadConfig(cmd, nil)
	require.NoError(t, err)

	assert.True(t, cfg.FromIMAP())
	assert.Equal(t, "secret", cfg.IMAPPass)
	assert.Equal(t, "INBOX", cfg.Mailbox)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		flags []string
		args  []string
	}{
		{"no source", nil, nil},
		{"both sources", []string{"--imap-host", "h", "--imap-user", "u", "--imap-pass", "p"}, []string{"maildir"}},
		{"zero workers", []string{"--workers", "0"}, []string{"maildir"}},
		{"same headers", []string{"--secondary-header", "from"}, []string{"maildir"}},
		{"bad level", []string{"--log-level", "loud"}, []string{"maildir"}},
		{"imap without user", []string{"--imap-host", "h", "--imap-pass", "p"}, nil},
		{"imap bad port", []string{"--imap-host", "h", "--imap-user", "u", "--imap-pass", "p", "--imap-port", "0"}, nil},
		{"imap sent-only", []string{"--imap-host", "h", "--imap-user", "u", "--imap-pass", "p", "--sent-only"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("IMAP_PASS", "")
			cmd := newCommand(t, tt.flags...)
			_, err := LoadConfig(cmd, tt.args)
			assert.Error(t, err)
		})
	}
}
