package model

import (
	"fmt"
	"strconv"
)

// Token is a raw identity string taken from a header. Present is false when
// the header was missing or carried no value.
type Token struct {
	Value   string
	Present bool
}

// NewToken returns a present token holding value.
func NewToken(value string) Token {
	return Token{Value: value, Present: true}
}

func (t Token) String() string {
	if !t.Present {
		return "<missing>"
	}
	return strconv.Quote(t.Value)
}

// Observation is a pair of identity tokens seen together on one message.
type Observation struct {
	Primary   Token
	Secondary Token
	Source    string
}

// Complete reports whether both sides of the pair are present.
func (o Observation) Complete() bool {
	return o.Primary.Present && o.Secondary.Present
}

func (o Observation) String() string {
	return fmt.Sprintf("(%s, %s)", o.Primary, o.Secondary)
}

// Envelope wraps the observations decoded from one corpus entry. Err is set
// when the entry could not be read; Defects lists header problems that were
// tolerated while still producing observations. Seq orders envelopes in walk
// order so consumers can restore a deterministic sequence.
type Envelope struct {
	Seq          int
	Source       string
	Observations []Observation
	Defects      []error
	Err          error
}
