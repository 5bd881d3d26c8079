package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// taggedCodec frames datagrams as "<kind> <seq> <body>" and stream messages
// as "<kind> <body>". The body uses the legacy text for its kind.
type taggedCodec struct{}

func (taggedCodec) Protocol() Protocol { return Tagged }

func (taggedCodec) EncodeDatagram(m Message) []byte {
	var body string
	if m.Kind == KindIntervals {
		body = FormatIntervals(m.Intervals)
	} else {
		body = FormatNames(m.Usernames)
	}
	return []byte(string(rune(m.Kind)) + " " + strconv.FormatUint(m.Seq, 10) + " " + body)
}

func (taggedCodec) DecodeDatagram(p []byte) (Message, error) {
	parts := strings.SplitN(string(p), " ", 3)
	if len(parts) < 2 || len(parts[0]) != 1 {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, p)
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Message{}, fmt.Errorf("%w: sequence %q", ErrMalformed, parts[1])
	}
	var body string
	if len(parts) == 3 {
		body = parts[2]
	}

	m := Message{Kind: Kind(parts[0][0]), Seq: seq}
	switch m.Kind {
	case KindRoster, KindQuery:
		m.Usernames = ParseNames(body)
	case KindIntervals:
		if m.Intervals, err = ParseIntervals(body); err != nil {
			return Message{}, err
		}
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, parts[0])
	}
	return m, nil
}

func (taggedCodec) EncodeStream(m Message) []byte {
	var body string
	switch m.Kind {
	case KindNotFound:
		body = FormatNotFound(m.Usernames)
	case KindResult:
		body = FormatResult(m.Intervals, m.Usernames)
	default:
		body = FormatNames(m.Usernames)
	}
	return []byte(string(rune(m.Kind)) + " " + body)
}

func (taggedCodec) DecodeStream(p []byte) (Message, error) {
	s := string(p)
	if len(s) < 1 || (len(s) > 1 && s[1] != ' ') {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	var body string
	if len(s) > 2 {
		body = s[2:]
	}
	switch Kind(s[0]) {
	case KindQuery:
		return Message{Kind: KindQuery, Usernames: ParseNames(body)}, nil
	case KindNotFound:
		return parseNotFound(body)
	case KindResult:
		return parseResult(body)
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, s[:1])
	}
}
