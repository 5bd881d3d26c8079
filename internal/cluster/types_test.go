package cluster

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseShardInfo tests parsing of ID=addr shard flags
func TestParseShardInfo(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ShardInfo
		wantErr bool
	}{
		{name: "valid", input: "A=127.0.0.1:21984", want: ShardInfo{ID: "A", Addr: "127.0.0.1:21984"}},
		{name: "surrounding spaces", input: " B = :22984 ", want: ShardInfo{ID: "B", Addr: ":22984"}},
		{name: "missing separator", input: "A127.0.0.1:21984", wantErr: true},
		{name: "missing id", input: "=127.0.0.1:21984", wantErr: true},
		{name: "missing addr", input: "A=", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseShardInfo(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func listen(t *testing.T) *Endpoint {
	t.Helper()
	e, err := Listen("127.0.0.1:0", 1024)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// TestEndpointSendReceive tests a datagram round trip between two endpoints
func TestEndpointSendReceive(t *testing.T) {
	a, b := listen(t), listen(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, a.SendTo(ctx, b.LocalAddr().String(), []byte("alice bob")))

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice bob", string(got.Payload))
	assert.Equal(t, a.LocalAddr().String(), got.From.String())

	// Empty datagrams are messages too.
	require.NoError(t, b.Send(ctx, got.From, nil))
	reply, err := a.Receive(ctx)
	require.NoError(t, err)
	assert.Empty(t, reply.Payload)
}

// TestEndpointReceiveCancel tests that a blocked Receive returns when its context ends
func TestEndpointReceiveCancel(t *testing.T) {
	e := listen(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Receive(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)

	// The endpoint stays usable after a cancelled receive.
	other := listen(t)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, other.Send(ctx2, e.LocalAddr(), []byte("later")))
	got, err := e.Receive(ctx2)
	require.NoError(t, err)
	assert.Equal(t, "later", string(got.Payload))
}

// TestDirectoryIdentify tests identification of shards by source address
func TestDirectoryIdentify(t *testing.T) {
	dir, err := NewDirectory([]ShardInfo{
		{ID: "A", Addr: "127.0.0.1:21984"},
		{ID: "B", Addr: ":22984"},
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		from    net.Addr
		want    string
		wantErr bool
	}{
		{name: "exact match", from: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 21984}, want: "A"},
		{name: "wildcard host", from: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 22984}, want: "B"},
		{name: "wrong host", from: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 21984}, wantErr: true},
		{name: "unknown port", from: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}, wantErr: true},
		{name: "not udp", from: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 21984}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := dir.Identify(tt.from)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownShard)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	addr, ok := dir.Addr("A")
	require.True(t, ok)
	assert.Equal(t, 21984, addr.Port)

	_, ok = dir.Addr("C")
	assert.False(t, ok)
}

func TestNewDirectoryRejectsDuplicates(t *testing.T) {
	_, err := NewDirectory([]ShardInfo{
		{ID: "A", Addr: "127.0.0.1:21984"},
		{ID: "A", Addr: "127.0.0.1:22984"},
	})
	assert.Error(t, err)
}
