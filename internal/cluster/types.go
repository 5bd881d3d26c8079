package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrUnknownShard is returned when a datagram comes from an address that does
// not belong to any configured shard.
var ErrUnknownShard = errors.New("unknown shard")

// ShardInfo names a shard and the datagram address it sends from and
// receives on. The router identifies shards by this address, never by payload.
type ShardInfo struct {
	ID   string `json:"id" toml:"id"`
	Addr string `json:"addr" toml:"addr"`
}

// ParseShardInfo parses "ID=host:port".
func ParseShardInfo(s string) (ShardInfo, error) {
	id, addr, ok := strings.Cut(s, "=")
	id, addr = strings.TrimSpace(id), strings.TrimSpace(addr)
	if !ok || id == "" || addr == "" {
		return ShardInfo{}, fmt.Errorf("shard %q: want ID=host:port", s)
	}
	return ShardInfo{ID: id, Addr: addr}, nil
}

// Datagram is a single received message and its source.
type Datagram struct {
	From    net.Addr
	Payload []byte
}

// Endpoint is a datagram socket whose blocking calls honour a context.
type Endpoint struct {
	conn net.PacketConn
	buf  []byte
}

// Listen binds a UDP endpoint on addr.
func Listen(addr string, bufSize int) (*Endpoint, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return NewEndpoint(conn, bufSize), nil
}

// NewEndpoint wraps an existing packet connection.
func NewEndpoint(conn net.PacketConn, bufSize int) *Endpoint {
	return &Endpoint{conn: conn, buf: make([]byte, bufSize)}
}

// LocalAddr returns the bound address.
func (e *Endpoint) LocalAddr() net.Addr { return e.conn.LocalAddr() }

// Close closes the socket, unblocking any pending Receive.
func (e *Endpoint) Close() error { return e.conn.Close() }

// Receive blocks until a datagram arrives or ctx is done. It must not be
// called concurrently with itself.
func (e *Endpoint) Receive(ctx context.Context) (Datagram, error) {
	// A previous cancellation leaves a deadline in the past.
	if err := e.conn.SetReadDeadline(time.Time{}); err != nil {
		return Datagram{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = e.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	n, from, err := e.conn.ReadFrom(e.buf)
	if err != nil {
		if ctx.Err() != nil {
			return Datagram{}, ctx.Err()
		}
		return Datagram{}, err
	}
	return Datagram{From: from, Payload: append([]byte(nil), e.buf[:n]...)}, nil
}

// Send writes p to addr as one datagram.
func (e *Endpoint) Send(ctx context.Context, to net.Addr, p []byte) error {
	if d, ok := ctx.Deadline(); ok {
		if err := e.conn.SetWriteDeadline(d); err != nil {
			return err
		}
		defer e.conn.SetWriteDeadline(time.Time{})
	}
	_, err := e.conn.WriteTo(p, to)
	return err
}

// SendTo resolves addr and sends p to it.
func (e *Endpoint) SendTo(ctx context.Context, addr string, p []byte) error {
	to, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	return e.Send(ctx, to, p)
}

// Directory maps source addresses to shard IDs.
type Directory struct {
	shards []ShardInfo
	addrs  []*net.UDPAddr
}

// NewDirectory resolves the address of every shard.
func NewDirectory(shards []ShardInfo) (*Directory, error) {
	d := &Directory{shards: append([]ShardInfo(nil), shards...)}
	seen := make(map[string]bool)
	for _, s := range shards {
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate shard id %q", s.ID)
		}
		seen[s.ID] = true

		addr, err := net.ResolveUDPAddr("udp", s.Addr)
		if err != nil {
			return nil, fmt.Errorf("resolve shard %s: %w", s.ID, err)
		}
		d.addrs = append(d.addrs, addr)
	}
	return d, nil
}

// Shards returns the configured shards in order.
func (d *Directory) Shards() []ShardInfo {
	return append([]ShardInfo(nil), d.shards...)
}

// Addr returns the resolved address of shard id.
func (d *Directory) Addr(id string) (*net.UDPAddr, bool) {
	for i, s := range d.shards {
		if s.ID == id {
			return d.addrs[i], true
		}
	}
	return nil, false
}

// Identify returns the shard that sends from addr.
func (d *Directory) Identify(addr net.Addr) (string, error) {
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("%w: non-UDP source %s", ErrUnknownShard, addr)
	}
	for i, want := range d.addrs {
		if want.Port == ua.Port && sameIP(want.IP, ua.IP) {
			return d.shards[i].ID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownShard, addr)
}

// sameIP treats unspecified addresses as wildcards so shards configured as
// ":21984" still match the loopback source they actually send from.
func sameIP(want, got net.IP) bool {
	if len(want) == 0 || want.IsUnspecified() {
		return true
	}
	return want.Equal(got)
}
