package wire

import (
	"bytes"
	"io"
	"net"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/overlap/internal/interval"
)

func TestLegacyDatagramEncoding(t *testing.T) {
	c := NewCodec(Legacy, KindRoster)

	assert.Equal(t, "alice bob", string(c.EncodeDatagram(Message{Kind: KindQuery, Usernames: []string{"alice", "bob"}})))
	assert.Equal(t, "[1, 3] [5, 10]", string(c.EncodeDatagram(Message{
		Kind:      KindIntervals,
		Intervals: interval.Set{{1, 3}, {5, 10}},
	})))
	assert.Empty(t, c.EncodeDatagram(Message{Kind: KindIntervals}))
}

func TestLegacyDatagramDiscriminator(t *testing.T) {
	tests := []struct {
		name    string
		names   Kind
		payload string
		want    Message
		wantErr error
	}{
		{
			name:    "letter first is a roster on the router",
			names:   KindRoster,
			payload: "alice bob",
			want:    Message{Kind: KindRoster, Usernames: []string{"alice", "bob"}},
		},
		{
			name:    "letter first is a query on a shard",
			names:   KindQuery,
			payload: "alice",
			want:    Message{Kind: KindQuery, Usernames: []string{"alice"}},
		},
		{
			name:    "bracket first is an interval list",
			names:   KindRoster,
			payload: "[1, 3] [8, 10]",
			want:    Message{Kind: KindIntervals, Intervals: interval.Set{{1, 3}, {8, 10}}},
		},
		{
			name:    "empty payload is an empty interval list",
			names:   KindRoster,
			payload: "",
			want:    Message{Kind: KindIntervals},
		},
		{
			name:    "digit first is unknown",
			names:   KindRoster,
			payload: "42",
			wantErr: ErrUnknownKind,
		},
		{
			name:    "bracket without numbers is malformed",
			names:   KindRoster,
			payload: "[x, y]",
			wantErr: ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewCodec(Legacy, tt.names).DecodeDatagram([]byte(tt.payload))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Kind, got.Kind)
			assert.Equal(t, tt.want.Usernames, got.Usernames)
			assert.True(t, tt.want.Intervals.Equal(got.Intervals), "intervals %v, want %v", got.Intervals, tt.want.Intervals)
		})
	}
}

func TestDatagramRoundTrip(t *testing.T) {
	messages := []Message{
		{Kind: KindQuery, Seq: 9, Usernames: []string{"bob", "alice", "bob"}},
		{Kind: KindIntervals, Seq: 9, Intervals: interval.Set{{1, 3}, {8, 10}, {15, 16}}},
		{Kind: KindIntervals, Seq: 12},
	}

	for _, p := range []Protocol{Legacy, Tagged} {
		c := NewCodec(p, KindQuery)
		for _, m := range messages {
			got, err := c.DecodeDatagram(c.EncodeDatagram(m))
			require.NoError(t, err, "%s %s", p, m.Kind)

			assert.Equal(t, m.Kind, got.Kind, p)
			assert.ElementsMatch(t, m.Usernames, got.Usernames, p)
			assert.True(t, m.Intervals.Equal(got.Intervals), "%s: got %v want %v", p, got.Intervals, m.Intervals)
			if p == Tagged {
				assert.Equal(t, m.Seq, got.Seq)
			}
		}
	}
}

func TestTaggedDatagram(t *testing.T) {
	c := NewCodec(Tagged, KindUnknown)

	assert.Equal(t, "R 0 alice bob", string(c.EncodeDatagram(Message{Kind: KindRoster, Usernames: []string{"alice", "bob"}})))
	assert.Equal(t, "I 3 ", string(c.EncodeDatagram(Message{Kind: KindIntervals, Seq: 3})))

	// A username that starts with '[' or a letter no longer changes meaning.
	m, err := c.DecodeDatagram([]byte("I 4 [2, 5]"))
	require.NoError(t, err)
	assert.Equal(t, KindIntervals, m.Kind)
	assert.Equal(t, uint64(4), m.Seq)

	_, err = c.DecodeDatagram([]byte("alice bob"))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = c.DecodeDatagram([]byte("Q x alice"))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = c.DecodeDatagram([]byte("Z 1 alice"))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestStreamRoundTrip(t *testing.T) {
	messages := []Message{
		{Kind: KindQuery, Usernames: []string{"alice", "bob"}},
		{Kind: KindNotFound, Usernames: []string{"carol", "dave"}},
		{Kind: KindResult, Usernames: []string{"alice", "bob"}, Intervals: interval.Set{{1, 3}, {8, 10}}},
		{Kind: KindResult, Usernames: []string{"alice"}},
	}

	for _, p := range []Protocol{Legacy, Tagged} {
		c := NewCodec(p, KindQuery)
		for _, m := range messages {
			got, err := c.DecodeStream(c.EncodeStream(m))
			require.NoError(t, err, "%s %s", p, m.Kind)

			assert.Equal(t, m.Kind, got.Kind, p)
			want := append([]string(nil), m.Usernames...)
			have := append([]string(nil), got.Usernames...)
			sort.Strings(want)
			sort.Strings(have)
			assert.Equal(t, want, have, p)
			assert.True(t, m.Intervals.Equal(got.Intervals), "%s: got %v want %v", p, got.Intervals, m.Intervals)
		}
	}
}

func TestReplyText(t *testing.T) {
	c := NewCodec(Legacy, KindQuery)

	got := c.EncodeStream(Message{
		Kind:      KindResult,
		Usernames: []string{"alice", "bob"},
		Intervals: interval.Set{{1, 3}, {8, 10}},
	})
	assert.Equal(t, "Time intervals [[1, 3], [8, 10]] works for alice, bob.", string(got))

	got = c.EncodeStream(Message{Kind: KindResult, Usernames: []string{"alice"}})
	assert.Equal(t, "Time intervals [] works for alice.", string(got))

	got = c.EncodeStream(Message{Kind: KindNotFound, Usernames: []string{"carol"}})
	assert.Equal(t, "carol do not exist.", string(got))

	tagged := NewCodec(Tagged, KindQuery)
	got = tagged.EncodeStream(Message{Kind: KindNotFound, Usernames: []string{"carol", "dave"}})
	assert.Equal(t, "N carol, dave do not exist.", string(got))
}

func TestParseProtocol(t *testing.T) {
	p, err := ParseProtocol("LEGACY")
	require.NoError(t, err)
	assert.Equal(t, Legacy, p)

	p, err = ParseProtocol("")
	require.NoError(t, err)
	assert.Equal(t, Tagged, p)

	_, err = ParseProtocol("json")
	assert.Error(t, err)
}

func TestStreamFraming(t *testing.T) {
	t.Run("tagged splits coalesced writes", func(t *testing.T) {
		var buf bytes.Buffer
		s := NewStream(&buf, Tagged)
		require.NoError(t, s.WriteMessage([]byte("N carol do not exist.")))
		require.NoError(t, s.WriteMessage([]byte("T Time intervals [] works for alice.")))

		first, err := s.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, "N carol do not exist.", string(first))

		second, err := s.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, "T Time intervals [] works for alice.", string(second))

		_, err = s.ReadMessage()
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("legacy reads one receive per message", func(t *testing.T) {
		a, b := net.Pipe()
		defer a.Close()
		defer b.Close()

		go func() {
			_ = NewStream(a, Legacy).WriteMessage([]byte("alice bob"))
		}()

		got, err := NewStream(b, Legacy).ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, "alice bob", string(got))
	})

	t.Run("legacy splits a coalesced not-found notice and result", func(t *testing.T) {
		buf := bytes.NewBufferString("carol do not exist.Time intervals [[1, 3]] works for alice.")
		s := NewStream(buf, Legacy)

		first, err := s.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, "carol do not exist.", string(first))

		second, err := s.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, "Time intervals [[1, 3]] works for alice.", string(second))
	})

	t.Run("oversized message is rejected", func(t *testing.T) {
		var buf bytes.Buffer
		err := NewStream(&buf, Legacy).WriteMessage(bytes.Repeat([]byte("a"), MaxStreamPayload))
		assert.ErrorIs(t, err, ErrTooLarge)
	})
}
