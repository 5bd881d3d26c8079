// Package client implements the query side of the protocol: input
// validation and the send/receive cycle against the router.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/overlap/internal/interval"
	"github.com/dreamware/overlap/internal/storage"
	"github.com/dreamware/overlap/internal/wire"
)

// MaxQueryUsernames is the most usernames a single query may name.
const MaxQueryUsernames = 10

// ErrInvalidInput is returned by Ask for input that Validate rejects.
var ErrInvalidInput = errors.New("invalid input")

// Validate reports whether input is a usable query: between one and
// MaxQueryUsernames space-separated usernames, each made of lowercase letters.
// Spaces are the only separator; a tab or newline makes the input invalid.
func Validate(input string) bool {
	if strings.ContainsFunc(input, func(r rune) bool { return r != ' ' && unicode.IsSpace(r) }) {
		return false
	}
	names := strings.Fields(input)
	if len(names) == 0 || len(names) > MaxQueryUsernames {
		return false
	}
	for _, name := range names {
		if storage.ValidateUsername(name) != nil {
			return false
		}
	}
	return true
}

// Reply is everything the router sent back for one query.
type Reply struct {
	NotFound  []string     // Usernames absent from every roster
	Found     []string     // Usernames the result covers
	Intervals interval.Set // Common free time of Found
	HasResult bool         // False when only a not-found notice arrived
}

// Lines renders the reply as the router's text messages, in arrival order.
func (r Reply) Lines() []string {
	var out []string
	if len(r.NotFound) > 0 {
		out = append(out, wire.FormatNotFound(r.NotFound))
	}
	if r.HasResult {
		out = append(out, wire.FormatResult(r.Intervals, r.Found))
	}
	return out
}

// Session is a client connection to the router. It is not safe for
// concurrent use: queries on one connection are answered in order.
type Session struct {
	conn   net.Conn
	stream *wire.Stream
	codec  wire.Codec
	logger *zap.Logger

	// ReplyTimeout bounds each receive. Zero waits until ctx is done.
	ReplyTimeout time.Duration
}

// Dial connects to the router at addr.
func Dial(ctx context.Context, addr string, p wire.Protocol, logger *zap.Logger) (*Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial router %s: %w", addr, err)
	}
	return NewSession(conn, p, logger), nil
}

// NewSession wraps an established connection.
func NewSession(conn net.Conn, p wire.Protocol, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		conn:   conn,
		stream: wire.NewStream(conn, p),
		codec:  wire.NewCodec(p, wire.KindQuery),
		logger: logger,
	}
}

// LocalAddr returns the local end of the connection.
func (s *Session) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Close closes the connection.
func (s *Session) Close() error { return s.conn.Close() }

// Ask sends input as a query and collects the reply. See AskFunc.
func (s *Session) Ask(ctx context.Context, input string) (Reply, error) {
	return s.AskFunc(ctx, input, nil)
}

// AskFunc sends input as a query and collects the reply, calling fn with the
// text of each router message as it arrives. fn may be nil.
//
// The router may answer with a not-found notice, an interval result, or the
// notice followed by the result. A first reply that names exactly the queried
// usernames, as a multiset, is final; this covers both a full result and a
// notice for every name. After any other notice it waits for the result.
// On error the returned Reply holds whatever arrived before it.
func (s *Session) AskFunc(ctx context.Context, input string, fn func(text string)) (Reply, error) {
	if !Validate(input) {
		return Reply{}, fmt.Errorf("%w: %q", ErrInvalidInput, input)
	}
	names := strings.Fields(input)

	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Now())
	})
	defer stop()
	if err := s.conn.SetDeadline(time.Time{}); err != nil {
		return Reply{}, err
	}

	p := s.codec.EncodeStream(wire.Message{Kind: wire.KindQuery, Usernames: names})
	if err := s.stream.WriteMessage(p); err != nil {
		return Reply{}, s.wrap(ctx, "send query", err)
	}
	s.logger.Debug("sent query", zap.Strings("usernames", names))

	var reply Reply
	first, err := s.receive(ctx)
	if err != nil {
		return Reply{}, err
	}
	reply.add(first)
	notify(fn, first)
	if first.Kind == wire.KindResult || sameMultiset(first.Usernames, names) {
		return reply, nil
	}

	second, err := s.receive(ctx)
	if err != nil {
		return reply, err
	}
	reply.add(second)
	notify(fn, second)
	return reply, nil
}

func notify(fn func(string), m wire.Message) {
	if fn == nil {
		return
	}
	var one Reply
	one.add(m)
	for _, text := range one.Lines() {
		fn(text)
	}
}

func (r *Reply) add(m wire.Message) {
	switch m.Kind {
	case wire.KindNotFound:
		r.NotFound = m.Usernames
	case wire.KindResult:
		r.Found = m.Usernames
		r.Intervals = m.Intervals
		r.HasResult = true
	}
}

func (s *Session) receive(ctx context.Context) (wire.Message, error) {
	if s.ReplyTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.ReplyTimeout)); err != nil {
			return wire.Message{}, err
		}
	}
	p, err := s.stream.ReadMessage()
	if err != nil {
		return wire.Message{}, s.wrap(ctx, "receive reply", err)
	}
	m, err := s.codec.DecodeStream(p)
	if err != nil {
		return wire.Message{}, fmt.Errorf("decode reply: %w", err)
	}
	if m.Kind != wire.KindNotFound && m.Kind != wire.KindResult {
		return wire.Message{}, fmt.Errorf("%w: reply %q", wire.ErrUnknownKind, p)
	}
	s.logger.Debug("received reply", zap.Stringer("kind", m.Kind))
	return m, nil
}

func (s *Session) wrap(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%s: %w", op, err)
}

func sameMultiset(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}
