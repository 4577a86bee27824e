package extract

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message/textproto"
	"golang.org/x/text/encoding/charmap"

	"github.com/dhcgn/mail-identities/model"
)

// Fields names the two headers an observation is built from.
type Fields struct {
	Primary   string
	Secondary string
}

// DefaultFields pairs the envelope sender with its display-name header.
var DefaultFields = Fields{Primary: "From", Secondary: "X-From"}

var mboxSeparator = []byte("From ")

// Decode converts single-byte Latin-1 text into UTF-8.
func Decode(raw []byte) ([]byte, error) {
	return charmap.ISO8859_1.NewDecoder().Bytes(raw)
}

// ErrMalformedHeader marks a header block that ended at a line which is not
// a valid field. The fields read before that line are still used.
var ErrMalformedHeader = errors.New("malformed header")

// ParseHeader reads the header block of one message and returns the
// observation for fields. Missing or blank headers yield absent tokens. A
// broken header line ends the block: the observation is built from the
// fields before it and the returned error wraps ErrMalformedHeader.
func ParseHeader(raw []byte, fields Fields) (model.Observation, error) {
	decoded, err := Decode(raw)
	if err != nil {
		return model.Observation{}, fmt.Errorf("decode: %w", err)
	}

	// On a bad line ReadHeader still returns the fields parsed so far.
	header, readErr := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(decoded)))

	obs := model.Observation{
		Primary:   headerToken(&header, fields.Primary),
		Secondary: headerToken(&header, fields.Secondary),
	}
	if readErr != nil {
		return obs, fmt.Errorf("%w: %w", ErrMalformedHeader, readErr)
	}
	return obs, nil
}

func headerToken(h *textproto.Header, key string) model.Token {
	if !h.Has(key) {
		return model.Token{}
	}
	value := strings.Join(strings.Fields(h.Get(key)), " ")
	if value == "" {
		return model.Token{}
	}
	return model.NewToken(value)
}

// ParseFile returns the observations in one corpus file together with the
// header defects tolerated while reading them. A file starting with an mbox
// separator line is read as an archive; the returned error is set only when
// the archive framing itself breaks, and the messages before that point are
// kept.
func ParseFile(raw []byte, fields Fields) ([]model.Observation, []error, error) {
	if !bytes.HasPrefix(raw, mboxSeparator) {
		obs, err := ParseHeader(raw, fields)
		if err != nil && !errors.Is(err, ErrMalformedHeader) {
			return nil, nil, err
		}
		var defects []error
		if err != nil {
			defects = append(defects, err)
		}
		return []model.Observation{obs}, defects, nil
	}
	return parseArchive(raw, fields)
}

func parseArchive(raw []byte, fields Fields) ([]model.Observation, []error, error) {
	reader := mboxlib.NewReader(bytes.NewReader(raw))

	var (
		observations []model.Observation
		defects      []error
	)
	for idx := 0; ; idx++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return observations, defects, nil
			}
			return observations, defects, fmt.Errorf("message %d: %w", idx, err)
		}

		msg, err := io.ReadAll(msgReader)
		if err != nil {
			return observations, defects, fmt.Errorf("message %d read: %w", idx, err)
		}

		obs, err := ParseHeader(msg, fields)
		if err != nil {
			if !errors.Is(err, ErrMalformedHeader) {
				return observations, defects, fmt.Errorf("message %d: %w", idx, err)
			}
			defects = append(defects, fmt.Errorf("message %d: %w", idx, err))
		}
		observations = append(observations, obs)
	}
}
