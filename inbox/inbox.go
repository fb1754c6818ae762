package inbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

const (
	fetchAttempts  = 3
	initialBackoff = 500 * time.Millisecond
)

type Options struct {
	Host               string
	Port               int
	Address            string
	Password           string
	InsecureSkipVerify bool

	// CreateOffsetMonths and CreateOffsetDays shift the search window
	// back by the task creation offset, so the window covers messages
	// whose trigger date falls around now.
	CreateOffsetMonths int
	CreateOffsetDays   int

	// SearchWindowDays widens the window into the past. It must exceed
	// the longest expected gap between runs or messages are silently
	// skipped; that is a tunable, not a bug.
	SearchWindowDays int
}

// session is one read-only IMAP conversation. Each fetch attempt opens a
// fresh session; there is no partial-session reuse across attempts.
type session interface {
	Search(since, before time.Time) ([]uint32, error)
	Fetch(seqNum uint32) ([]byte, error)
	Close()
}

// Fetcher pulls raw candidate messages from the inbox with bounded retry.
type Fetcher struct {
	opts   Options
	logger *slog.Logger

	dial  func(ctx context.Context) (session, error)
	sleep func(time.Duration)
	now   func() time.Time
}

func New(opts Options, logger *slog.Logger) *Fetcher {
	f := &Fetcher{
		opts:   opts,
		logger: logger,
		sleep:  time.Sleep,
		now:    time.Now,
	}
	f.dial = f.dialIMAP
	return f
}

// Window returns the date range searched on the server, in day
// granularity: [now - offset - window - 1d, now - offset + 1d]. The extra
// day on each side covers the server's date-only comparison.
func (f *Fetcher) Window(now time.Time) (since, before time.Time) {
	target := now.AddDate(0, -f.opts.CreateOffsetMonths, -f.opts.CreateOffsetDays)
	since = target.AddDate(0, 0, -f.opts.SearchWindowDays-1)
	before = target.AddDate(0, 0, 1)
	return since, before
}

// Fetch returns the raw messages in the search window, newest first.
// Transport failures are retried up to three times with doubling backoff;
// after the attempts are exhausted an empty slice is returned, the same
// as a window with no mail. Callers cannot tell the two apart.
func (f *Fetcher) Fetch(ctx context.Context) [][]byte {
	backoff := initialBackoff

	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		raws, err := f.fetchOnce(ctx)
		if err == nil {
			return raws
		}

		f.logger.Warn("inbox fetch failed",
			"attempt", attempt, "maxAttempts", fetchAttempts, "backoff", backoff, "err", err)

		if attempt < fetchAttempts {
			f.sleep(backoff)
			backoff *= 2
		}
	}

	return nil
}

func (f *Fetcher) fetchOnce(ctx context.Context) ([][]byte, error) {
	sess, err := f.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	since, before := f.Window(f.now())
	seqNums, err := sess.Search(since, before)
	if err != nil {
		return nil, fmt.Errorf("search %s..%s: %w",
			since.Format("2006-01-02"), before.Format("2006-01-02"), err)
	}

	f.logger.Debug("inbox search finished",
		"since", since.Format("2006-01-02"), "before", before.Format("2006-01-02"), "matches", len(seqNums))

	raws := make([][]byte, 0, len(seqNums))
	for i := len(seqNums) - 1; i >= 0; i-- {
		raw, err := sess.Fetch(seqNums[i])
		if err != nil {
			return nil, fmt.Errorf("fetch message %d: %w", seqNums[i], err)
		}
		raws = append(raws, raw)
	}

	return raws, nil
}

func (f *Fetcher) dialIMAP(ctx context.Context) (session, error) {
	address := net.JoinHostPort(f.opts.Host, strconv.Itoa(f.opts.Port))
	options := &imapclient.Options{
		TLSConfig: &tls.Config{
			ServerName:         f.opts.Host,
			InsecureSkipVerify: f.opts.InsecureSkipVerify,
		},
	}

	client, err := imapclient.DialTLS(address, options)
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(f.opts.Address, f.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	selectData, err := client.Select("INBOX", &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("select INBOX: %w", err)
	}

	f.logger.Debug("imap connection established",
		"address", address, "user", f.opts.Address, "messages", selectData.NumMessages)

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	return &imapSession{client: client, stopClose: stopClose, logger: f.logger}, nil
}

type imapSession struct {
	client    *imapclient.Client
	stopClose func() bool
	logger    *slog.Logger
}

func (s *imapSession) Search(since, before time.Time) ([]uint32, error) {
	criteria := &imapv2.SearchCriteria{
		Since:  since,
		Before: before,
	}

	data, err := s.client.Search(criteria, nil).Wait()
	if err != nil {
		return nil, err
	}
	return data.AllSeqNums(), nil
}

func (s *imapSession) Fetch(seqNum uint32) ([]byte, error) {
	bodySection := &imapv2.FetchItemBodySection{Peek: true}
	fetchOpts := &imapv2.FetchOptions{
		BodySection: []*imapv2.FetchItemBodySection{bodySection},
	}

	cmd := s.client.Fetch(imapv2.SeqSetNum(seqNum), fetchOpts)

	msg := cmd.Next()
	if msg == nil {
		_ = cmd.Close()
		return nil, fmt.Errorf("message %d not found", seqNum)
	}

	buf, err := msg.Collect()
	if err != nil {
		_ = cmd.Close()
		return nil, fmt.Errorf("collect message %d: %w", seqNum, err)
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, fmt.Errorf("message %d has no body section", seqNum)
	}

	if err := cmd.Close(); err != nil {
		return nil, err
	}

	return raw, nil
}

func (s *imapSession) Close() {
	s.stopClose()
	if err := s.client.Logout().Wait(); err != nil {
		s.logger.Debug("imap logout failed", "err", err)
	}
	_ = s.client.Close()
}
