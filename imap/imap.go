package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mail-identities/extract"
	"github.com/dhcgn/mail-identities/model"
)

// fetchBatch bounds how many headers are requested per FETCH.
const fetchBatch = 500

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	Fields             extract.Fields
}

// Source reads observations from the headers of an IMAP mailbox. The
// mailbox is opened read-only and bodies are never downloaded.
type Source struct {
	opts   Options
	logger *slog.Logger
}

func NewSource(opts Options, logger *slog.Logger) (*Source, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.Fields == (extract.Fields{}) {
		opts.Fields = extract.DefaultFields
	}
	return &Source{opts: opts, logger: logger}, nil
}

func (s *Source) Stream(ctx context.Context, out chan<- model.Envelope) error {
	client, cleanup, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	mailbox := s.mailbox()
	data, err := client.Select(mailbox, &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return fmt.Errorf("select %s: %w", mailbox, err)
	}
	if s.logger != nil {
		s.logger.Info("imap mailbox selected", "mailbox", mailbox, "messages", data.NumMessages)
	}

	section := &imapv2.FetchItemBodySection{
		Specifier:    imapv2.PartSpecifierHeader,
		HeaderFields: []string{s.opts.Fields.Primary, s.opts.Fields.Secondary},
		Peek:         true,
	}
	fetchOpts := &imapv2.FetchOptions{BodySection: []*imapv2.FetchItemBodySection{section}}

	seq := 0
	for _, batch := range fetchRanges(data.NumMessages, fetchBatch) {
		var set imapv2.SeqSet
		set.AddRange(batch.start, batch.stop)

		msgs, err := client.Fetch(set, fetchOpts).Collect()
		if err != nil {
			return fmt.Errorf("fetch %d:%d: %w", batch.start, batch.stop, err)
		}

		for _, msg := range msgs {
			env := s.envelope(seq, mailbox, msg.SeqNum, msg.FindBodySection(section))
			seq++

			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- env:
			}
		}
	}
	return nil
}

// seqRange is an inclusive range of message sequence numbers.
type seqRange struct {
	start, stop uint32
}

// fetchRanges splits 1..total into consecutive ranges of at most batch
// messages.
func fetchRanges(total, batch uint32) []seqRange {
	if total == 0 || batch == 0 {
		return nil
	}
	ranges := make([]seqRange, 0, total/batch+1)
	for start := uint32(1); ; start += batch {
		stop := total
		if total-start >= batch {
			stop = start + batch - 1
		}
		ranges = append(ranges, seqRange{start: start, stop: stop})
		if stop == total {
			return ranges
		}
	}
}

// envelope turns the fetched header section of one message into an
// envelope. A message without a header section is carried as an error.
func (s *Source) envelope(seq int, mailbox string, seqNum uint32, header []byte) model.Envelope {
	source := fmt.Sprintf("%s/%d", mailbox, seqNum)
	env := model.Envelope{Seq: seq, Source: source}
	if header == nil {
		env.Err = fmt.Errorf("fetch %s: no header section returned", source)
		return env
	}

	obs, err := extract.ParseHeader(header, s.opts.Fields)
	if err != nil {
		if !errors.Is(err, extract.ErrMalformedHeader) {
			env.Err = fmt.Errorf("parse %s: %w", source, err)
			return env
		}
		env.Defects = append(env.Defects, err)
	}
	obs.Source = source
	env.Observations = []model.Observation{obs}
	return env
}

func (s *Source) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	options := &imapclient.Options{}

	if s.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if s.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	if s.logger != nil {
		s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "tls", s.opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil && s.logger != nil {
				s.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil && s.logger != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

func (s *Source) mailbox() string {
	if s.opts.Mailbox == "" {
		return "INBOX"
	}
	return s.opts.Mailbox
}
