package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-identities/model"
)

func pair(a, b string) model.Observation {
	return model.Observation{Primary: model.NewToken(a), Secondary: model.NewToken(b)}
}

func TestPolicy_Check(t *testing.T) {
	p, err := New(Options{Sentinels: DefaultSentinels})
	require.NoError(t, err)

	tests := []struct {
		name string
		obs  model.Observation
		want Verdict
	}{
		{"valid pair", pair("jeff.skilling@enron.com", "Jeff Skilling"), Accept},
		{"missing secondary", model.Observation{Primary: model.NewToken("a@enron.com")}, Malformed},
		{"missing primary", model.Observation{Secondary: model.NewToken("x")}, Malformed},
		{"sentinel primary", pair("no.address@enron.com", "Enron General Announcements"), Sentinel},
		{"sentinel secondary", pair("kenneth.lay@enron.com", "no.address@enron.com"), Sentinel},
		{"sentinel prefix", pair("no.address@enron.com <x>", "Someone"), Sentinel},
		{"sentinel not at start", pair("reply-no.address@enron.com", "Someone"), Accept},
		{"dots are literal", pair("no-address@enron-com.net", "Someone"), Accept},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Check(tt.obs))
		})
	}
}

func TestPolicy_MissingBeatsSentinel(t *testing.T) {
	p, err := New(Options{Sentinels: DefaultSentinels})
	require.NoError(t, err)

	obs := model.Observation{Primary: model.NewToken("no.address@enron.com")}
	assert.Equal(t, Malformed, p.Check(obs))
}

func TestPolicy_Hits(t *testing.T) {
	p, err := New(Options{Sentinels: []string{`no\.address@`, `mailer-daemon@`, " "}})
	require.NoError(t, err)

	p.Check(pair("no.address@enron.com", "A"))
	p.Check(pair("B", "no.address@enron.com"))
	p.Check(pair("c@enron.com", "C"))

	assert.Equal(t, map[string]int{`no\.address@`: 2, `mailer-daemon@`: 0}, p.Hits())
}

func TestPolicy_AllowsFolder(t *testing.T) {
	p, err := New(Options{Folders: SentFolders})
	require.NoError(t, err)

	assert.True(t, p.AllowsFolder("maildir/allen-p/sent_items"))
	assert.True(t, p.AllowsFolder("maildir/allen-p/sent"))
	assert.True(t, p.AllowsFolder("maildir/allen-p/_sent_mail"))
	assert.False(t, p.AllowsFolder("maildir/allen-p/inbox"))
	assert.False(t, p.AllowsFolder("maildir/allen-p/sent/archive"))

	open, err := New(Options{})
	require.NoError(t, err)
	assert.True(t, open.AllowsFolder("maildir/allen-p/inbox"))
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New(Options{Sentinels: []string{"("}})
	assert.Error(t, err)

	_, err = New(Options{Folders: []string{"[a-"}})
	assert.Error(t, err)
}
