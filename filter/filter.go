package filter

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/dhcgn/mail-identities/model"
)

// DefaultSentinels are placeholder tokens that never identify a sender.
var DefaultSentinels = []string{`no\.address@enron\.com`}

// SentFolders match directories holding a mailbox's sent mail.
var SentFolders = []string{`sent_items$`, `sent$`, `sent_mail$`}

// Verdict is the policy decision for one observation.
type Verdict int

const (
	Accept Verdict = iota
	Malformed
	Sentinel
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Malformed:
		return "malformed"
	case Sentinel:
		return "sentinel"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Options captures the rejection policy configuration.
type Options struct {
	// Sentinels are matched at the start of a token.
	Sentinels []string
	// Folders restrict extraction to directories matching any pattern.
	// Empty means every directory is read.
	Folders []string
}

// Policy decides which observations may be merged and which folders are read.
type Policy struct {
	sentinels        []*regexp.Regexp
	sentinelPatterns []string
	folders          []*regexp.Regexp

	mu   sync.Mutex
	hits map[string]int
}

// New compiles opts into a Policy.
func New(opts Options) (*Policy, error) {
	sentinels, patterns, err := compileAnchored(opts.Sentinels)
	if err != nil {
		return nil, fmt.Errorf("compile sentinel pattern: %w", err)
	}
	folders, err := compilePatterns(opts.Folders)
	if err != nil {
		return nil, fmt.Errorf("compile folder pattern: %w", err)
	}

	return &Policy{
		sentinels:        sentinels,
		sentinelPatterns: patterns,
		folders:          folders,
		hits:             make(map[string]int),
	}, nil
}

// Check classifies obs. Missing tokens take precedence over sentinels.
func (p *Policy) Check(obs model.Observation) Verdict {
	if !obs.Complete() {
		return Malformed
	}
	if p.IsSentinel(obs.Primary.Value) || p.IsSentinel(obs.Secondary.Value) {
		return Sentinel
	}
	return Accept
}

// IsSentinel reports whether token starts with a configured sentinel.
func (p *Policy) IsSentinel(token string) bool {
	for i, re := range p.sentinels {
		if re.MatchString(token) {
			p.mu.Lock()
			p.hits[p.sentinelPatterns[i]]++
			p.mu.Unlock()
			return true
		}
	}
	return false
}

// AllowsFolder reports whether files directly inside dir are extracted.
func (p *Policy) AllowsFolder(dir string) bool {
	if len(p.folders) == 0 {
		return true
	}
	return matchAny(p.folders, filepath.ToSlash(dir))
}

// Hits returns how many tokens each sentinel pattern rejected.
func (p *Policy) Hits() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.sentinelPatterns))
	for _, pattern := range p.sentinelPatterns {
		out[pattern] = p.hits[pattern]
	}
	return out
}

func compileAnchored(patterns []string) ([]*regexp.Regexp, []string, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	kept := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(`^(?:` + pattern + `)`)
		if err != nil {
			return nil, nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
		kept = append(kept, pattern)
	}
	return compiled, kept, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
