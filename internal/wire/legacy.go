package wire

import (
	"fmt"
	"strings"
)

// legacyCodec speaks the untagged protocol. Datagram payloads are classified
// by their first byte: a letter starts a username list, '[' starts an interval
// list and an empty payload is an empty interval list. Sequence numbers are
// not carried and decode as zero.
type legacyCodec struct {
	names Kind
}

func (legacyCodec) Protocol() Protocol { return Legacy }

func (c legacyCodec) EncodeDatagram(m Message) []byte {
	switch m.Kind {
	case KindIntervals:
		return []byte(FormatIntervals(m.Intervals))
	default:
		return []byte(FormatNames(m.Usernames))
	}
}

func (c legacyCodec) DecodeDatagram(p []byte) (Message, error) {
	s := string(p)
	switch {
	case len(s) == 0:
		return Message{Kind: KindIntervals}, nil
	case isLetter(s[0]):
		return Message{Kind: c.names, Usernames: ParseNames(s)}, nil
	case s[0] == '[':
		ivs, err := ParseIntervals(s)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindIntervals, Intervals: ivs}, nil
	default:
		return Message{}, fmt.Errorf("%w: first byte %q", ErrUnknownKind, s[0])
	}
}

func (legacyCodec) EncodeStream(m Message) []byte {
	switch m.Kind {
	case KindNotFound:
		return []byte(FormatNotFound(m.Usernames))
	case KindResult:
		return []byte(FormatResult(m.Intervals, m.Usernames))
	default:
		return []byte(FormatNames(m.Usernames))
	}
}

// DecodeStream recognises the two reply shapes by their fixed text and treats
// anything else as a username query.
func (legacyCodec) DecodeStream(p []byte) (Message, error) {
	s := string(p)
	switch {
	case strings.HasPrefix(s, resultPrefix):
		return parseResult(s)
	case strings.HasSuffix(s, notFoundSuffix):
		return parseNotFound(s)
	default:
		return Message{Kind: KindQuery, Usernames: ParseNames(s)}, nil
	}
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
