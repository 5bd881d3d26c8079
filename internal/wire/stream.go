package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ErrTooLarge is returned when a stream message exceeds MaxStreamPayload.
var ErrTooLarge = errors.New("message too large")

// Stream frames messages over a reliable byte stream. Under the legacy
// protocol one write is one message and a read returns whatever a single
// receive delivers, which relies on the peer never coalescing writes. The
// one exception is a not-found notice followed by a result: the notice ends
// in a fixed suffix, so the two are split again. The tagged protocol
// terminates every message with a newline instead.
type Stream struct {
	rw      io.ReadWriter
	r       *bufio.Reader
	framed  bool
	buf     []byte
	pending []byte
}

// NewStream wraps rw for protocol p.
func NewStream(rw io.ReadWriter, p Protocol) *Stream {
	s := &Stream{rw: rw, framed: p == Tagged}
	if s.framed {
		s.r = bufio.NewReaderSize(rw, MaxStreamPayload)
	} else {
		s.buf = make([]byte, MaxStreamPayload)
	}
	return s
}

// ReadMessage blocks until the next message arrives. It returns io.EOF when
// the peer closes the stream cleanly.
func (s *Stream) ReadMessage() ([]byte, error) {
	if s.framed {
		line, err := s.r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, MaxStreamPayload)
		}
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		return append([]byte(nil), bytes.TrimRight(line, "\r\n")...), nil
	}

	if len(s.pending) > 0 {
		return s.split(s.pending), nil
	}
	for {
		n, err := s.rw.Read(s.buf)
		if n > 0 {
			return s.split(append([]byte(nil), s.buf[:n]...)), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// split returns the first message in p and keeps any remainder for the next
// read.
func (s *Stream) split(p []byte) []byte {
	s.pending = nil
	if i := bytes.Index(p, []byte(notFoundSuffix)); i >= 0 {
		end := i + len(notFoundSuffix)
		if end < len(p) && bytes.HasPrefix(p[end:], []byte(resultPrefix)) {
			s.pending = p[end:]
			return p[:end]
		}
	}
	return p
}

// WriteMessage sends p as one message.
func (s *Stream) WriteMessage(p []byte) error {
	if len(p) > MaxStreamPayload-1 {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(p))
	}
	if s.framed {
		p = append(append(make([]byte, 0, len(p)+1), p...), '\n')
	}
	_, err := s.rw.Write(p)
	return err
}
