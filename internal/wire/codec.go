// Package wire encodes and decodes the plain-text messages exchanged between
// clients, the router and shards.
//
// Two protocols are supported. The legacy protocol is byte compatible with
// older peers: payloads carry no type tag and are classified by their first
// byte. The tagged protocol prefixes every message with a one-letter kind
// and every datagram with a query sequence number so replies can be correlated
// with the query that caused them.
package wire

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dreamware/overlap/internal/interval"
)

const (
	// MaxStreamPayload bounds a single message on the client stream.
	MaxStreamPayload = 1024

	// MaxDatagram is the receive buffer size for datagram endpoints.
	MaxDatagram = 65536

	notFoundSuffix = " do not exist."
	resultPrefix   = "Time intervals "
	resultInfix    = " works for "
)

var (
	// ErrUnknownKind is returned when a payload cannot be classified.
	ErrUnknownKind = errors.New("unknown message kind")

	// ErrMalformed is returned when a payload of a known kind cannot be parsed.
	ErrMalformed = errors.New("malformed message")
)

// Protocol selects the wire format.
type Protocol string

const (
	// Legacy is the untagged, first-byte discriminated format.
	Legacy Protocol = "legacy"
	// Tagged prefixes every message with its kind and datagrams with a sequence.
	Tagged Protocol = "tagged"
)

// ParseProtocol converts a configuration value into a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToLower(strings.TrimSpace(s))); p {
	case Legacy, Tagged:
		return p, nil
	case "":
		return Tagged, nil
	default:
		return "", fmt.Errorf("unknown protocol %q, want %q or %q", s, Legacy, Tagged)
	}
}

// Kind identifies the type of a message.
type Kind byte

const (
	KindUnknown   Kind = 0
	KindRoster    Kind = 'R' // shard → router, usernames owned by the shard
	KindQuery     Kind = 'Q' // client → router and router → shard, usernames to intersect
	KindIntervals Kind = 'I' // shard → router, partial intersection
	KindNotFound  Kind = 'N' // router → client, usernames absent from every roster
	KindResult    Kind = 'T' // router → client, final merged answer
)

func (k Kind) String() string {
	switch k {
	case KindRoster:
		return "roster"
	case KindQuery:
		return "query"
	case KindIntervals:
		return "intervals"
	case KindNotFound:
		return "not-found"
	case KindResult:
		return "result"
	default:
		return "unknown"
	}
}

// Message is the decoded form of any payload. Usernames is set for rosters,
// queries, not-found notices and results; Intervals for interval lists and
// results.
type Message struct {
	Kind      Kind
	Seq       uint64
	Usernames []string
	Intervals interval.Set
}

// Codec converts messages to and from payloads on both transports.
type Codec interface {
	Protocol() Protocol
	EncodeDatagram(m Message) []byte
	DecodeDatagram(p []byte) (Message, error)
	EncodeStream(m Message) []byte
	DecodeStream(p []byte) (Message, error)
}

// NewCodec returns the codec for p. names is the kind assigned to untagged
// username payloads received as datagrams, which the legacy protocol cannot
// tell apart: the router receives rosters, shards receive queries.
func NewCodec(p Protocol, names Kind) Codec {
	if p == Legacy {
		return legacyCodec{names: names}
	}
	return taggedCodec{}
}

// FormatNames joins usernames with a single space.
func FormatNames(names []string) string {
	return strings.Join(names, " ")
}

// ParseNames splits a space separated username list. Empty tokens are dropped.
func ParseNames(s string) []string {
	return strings.Fields(s)
}

// FormatIntervals renders an interval list as "[s1, e1] [s2, e2]". An empty
// set renders as the empty string.
func FormatIntervals(s interval.Set) string {
	parts := make([]string, len(s))
	for i, iv := range s {
		parts[i] = iv.String()
	}
	return strings.Join(parts, " ")
}

var intervalRE = regexp.MustCompile(`\[\s*(\d+)\s*,\s*(\d+)\s*\]`)

// ParseIntervals extracts every "[s, e]" pair from s in order. Inner
// brackets of a nested list are matched, so "[[1, 3], [5, 10]]" parses too.
func ParseIntervals(s string) (interval.Set, error) {
	matches := intervalRE.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		if strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "[]")) != "" {
			return nil, fmt.Errorf("%w: no intervals in %q", ErrMalformed, s)
		}
		return nil, nil
	}
	out := make(interval.Set, 0, len(matches))
	for _, m := range matches {
		start, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		end, err := strconv.Atoi(m[2])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		out = append(out, interval.Interval{Start: start, End: end})
	}
	return out, nil
}

// FormatNotFound renders "a, b do not exist.".
func FormatNotFound(names []string) string {
	return strings.Join(names, ", ") + notFoundSuffix
}

// FormatResult renders the final reply sent to clients.
func FormatResult(s interval.Set, names []string) string {
	return resultPrefix + s.String() + resultInfix + strings.Join(names, ", ") + "."
}

func parseNotFound(s string) (Message, error) {
	body, ok := strings.CutSuffix(s, notFoundSuffix)
	if !ok {
		return Message{}, fmt.Errorf("%w: not-found notice %q", ErrMalformed, s)
	}
	return Message{Kind: KindNotFound, Usernames: splitCommaList(body)}, nil
}

func parseResult(s string) (Message, error) {
	body, ok := strings.CutPrefix(s, resultPrefix)
	if !ok {
		return Message{}, fmt.Errorf("%w: result %q", ErrMalformed, s)
	}
	list, names, ok := strings.Cut(body, resultInfix)
	if !ok {
		return Message{}, fmt.Errorf("%w: result %q", ErrMalformed, s)
	}
	ivs, err := ParseIntervals(list)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Kind:      KindResult,
		Usernames: splitCommaList(strings.TrimSuffix(strings.TrimSpace(names), ".")),
		Intervals: ivs,
	}, nil
}

func splitCommaList(s string) []string {
	var out []string
	for _, n := range strings.Split(s, ",") {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}
