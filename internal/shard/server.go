package shard

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/overlap/internal/cluster"
	"github.com/dreamware/overlap/internal/wire"
)

// Server connects a Shard to the router over datagrams.
//
// Lifecycle:
//  1. Announce sends the roster to the router from the server's own endpoint,
//     so the router can identify this shard by source address
//  2. Run answers every query datagram with the intersection of the named
//     users' schedules, replying to the sender
//
// Datagrams that are not queries are logged and dropped. Transport errors
// while replying end Run.
type Server struct {
	shard    *Shard
	endpoint *cluster.Endpoint
	codec    wire.Codec
	router   string
	logger   *zap.Logger

	// AnnounceEvery re-sends the roster at this interval until the first
	// query arrives. Zero announces exactly once.
	AnnounceEvery time.Duration

	queried atomic.Bool
}

// NewServer creates a server for s that talks to the router at routerAddr.
func NewServer(s *Shard, ep *cluster.Endpoint, codec wire.Codec, routerAddr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		shard:    s,
		endpoint: ep,
		codec:    codec,
		router:   routerAddr,
		logger:   logger.With(zap.String("shard", s.ID)),
	}
}

// Announce sends the roster datagram once.
func (srv *Server) Announce(ctx context.Context) error {
	roster := srv.shard.Announce()
	p := srv.codec.EncodeDatagram(wire.Message{Kind: wire.KindRoster, Usernames: roster})
	if err := srv.endpoint.SendTo(ctx, srv.router, p); err != nil {
		return fmt.Errorf("announce roster to %s: %w", srv.router, err)
	}
	srv.logger.Info("sent roster",
		zap.String("router", srv.router),
		zap.Int("users", len(roster)))
	return nil
}

// Run announces the roster and serves queries until ctx is done.
func (srv *Server) Run(ctx context.Context) error {
	if err := srv.Announce(ctx); err != nil {
		return err
	}
	if srv.AnnounceEvery > 0 {
		go srv.reannounce(ctx)
	}

	for {
		d, err := srv.endpoint.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		if err := srv.handle(ctx, d); err != nil {
			return err
		}
	}
}

func (srv *Server) handle(ctx context.Context, d cluster.Datagram) error {
	msg, err := srv.codec.DecodeDatagram(d.Payload)
	if err != nil {
		srv.logger.Warn("dropping malformed datagram",
			zap.Stringer("from", d.From),
			zap.Error(err))
		return nil
	}
	if msg.Kind != wire.KindQuery {
		srv.logger.Warn("dropping unexpected datagram",
			zap.Stringer("from", d.From),
			zap.Stringer("kind", msg.Kind))
		return nil
	}
	srv.queried.Store(true)

	result := srv.shard.Query(msg.Usernames)
	reply := srv.codec.EncodeDatagram(wire.Message{
		Kind:      wire.KindIntervals,
		Seq:       msg.Seq,
		Intervals: result,
	})
	if err := srv.endpoint.Send(ctx, d.From, reply); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("reply to %s: %w", d.From, err)
	}
	return nil
}

// reannounce covers a router that was not yet listening when the first
// roster was sent. The router keeps the latest roster until it is ready.
func (srv *Server) reannounce(ctx context.Context) {
	ticker := time.NewTicker(srv.AnnounceEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if srv.queried.Load() {
				return
			}
			if err := srv.Announce(ctx); err != nil {
				srv.logger.Warn("announce retry failed", zap.Error(err))
			}
		}
	}
}
