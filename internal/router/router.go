package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/overlap/internal/cluster"
	"github.com/dreamware/overlap/internal/interval"
	"github.com/dreamware/overlap/internal/wire"
)

// State is a step of the router's protocol. The router itself moves through
// INIT, REGISTERING and READY once; every query then runs ROUTING,
// AWAITING_RESULTS and REPLYING inside its client session before returning
// to READY.
type State int32

const (
	StateInit State = iota
	StateRegistering
	StateReady
	StateRouting
	StateAwaitingResults
	StateReplying
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRegistering:
		return "REGISTERING"
	case StateReady:
		return "READY"
	case StateRouting:
		return "ROUTING"
	case StateAwaitingResults:
		return "AWAITING_RESULTS"
	case StateReplying:
		return "REPLYING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config holds the router settings.
type Config struct {
	ClientAddr string              // Stream listener for clients
	ShardAddr  string              // Datagram endpoint shared with shards
	AdminAddr  string              // Optional HTTP admin listener
	Shards     []cluster.ShardInfo // Shards in ownership order
	Protocol   wire.Protocol

	// AwaitTimeout bounds the wait for shard results. Zero waits forever.
	AwaitTimeout time.Duration

	// HealthInterval and StallAfter drive the shard stall sweep. Either
	// being zero disables it.
	HealthInterval time.Duration
	StallAfter     time.Duration
}

// shardResult is one shard's answer to a dispatched sub-query.
type shardResult struct {
	shard    string
	set      interval.Set
	received time.Time
}

// pendingQuery is the aggregation state of one query awaiting results.
type pendingQuery struct {
	expect  map[string]bool
	results chan shardResult
}

// Router accepts client queries, fans them out to the shards that own the
// queried usernames and replies with the intersection of their results.
type Router struct {
	cfg      Config
	dir      *cluster.Directory
	registry *Registry
	health   *HealthTracker
	metrics  *Metrics
	reg      prometheus.Registerer
	codec    wire.Codec
	logger   *zap.Logger

	endpoint *cluster.Endpoint
	listener net.Listener

	state State
	ready chan struct{}
	seq   atomic.Uint64

	mu      sync.Mutex // protects pending and owed
	pending map[uint64]*pendingQuery

	// owed counts, per shard, legacy results still in flight for queries
	// that timed out. The next that many results from the shard are stale.
	owed map[string]int

	// dispatch serializes fan-out in the legacy protocol, where results
	// carry no correlation id.
	dispatch sync.Mutex
}

// New creates a router. Metrics are registered with reg when it is non-nil.
func New(cfg Config, logger *zap.Logger, reg prometheus.Registerer) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Shards) == 0 {
		return nil, errors.New("router needs at least one shard")
	}
	proto, err := wire.ParseProtocol(string(cfg.Protocol))
	if err != nil {
		return nil, err
	}
	cfg.Protocol = proto

	dir, err := cluster.NewDirectory(cfg.Shards)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(cfg.Shards))
	for i, s := range cfg.Shards {
		ids[i] = s.ID
	}

	r := &Router{
		cfg:      cfg,
		dir:      dir,
		registry: NewRegistry(ids),
		health:   NewHealthTracker(ids, cfg.HealthInterval, cfg.StallAfter, logger.Named("health")),
		metrics:  NewMetrics(),
		reg:      reg,
		codec:    wire.NewCodec(proto, wire.KindRoster),
		logger:   logger,
		ready:    make(chan struct{}),
		pending:  make(map[uint64]*pendingQuery),
		owed:     make(map[string]int),
	}
	if reg != nil {
		for _, c := range r.metrics.PrometheusCollectors() {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("register metrics: %w", err)
			}
		}
	}
	r.health.SetOnUnresponsive(func(id string) {
		r.logger.Error("shard unresponsive; queries routed to it may stall", zap.String("shard", id))
	})
	return r, nil
}

// Listen binds the shard endpoint and the client listener. Run calls it when
// it has not been called already.
func (r *Router) Listen() error {
	if r.endpoint != nil {
		return nil
	}
	ep, err := cluster.Listen(r.cfg.ShardAddr, wire.MaxDatagram)
	if err != nil {
		return fmt.Errorf("listen for shards on %s: %w", r.cfg.ShardAddr, err)
	}
	ln, err := net.Listen("tcp", r.cfg.ClientAddr)
	if err != nil {
		return multierr.Append(fmt.Errorf("listen for clients on %s: %w", r.cfg.ClientAddr, err), ep.Close())
	}
	r.endpoint, r.listener = ep, ln
	r.logger.Info("router listening",
		zap.Stringer("clients", ln.Addr()),
		zap.Stringer("shards", ep.LocalAddr()),
		zap.String("protocol", string(r.cfg.Protocol)))
	return nil
}

// ClientAddr returns the bound client address. Valid after Listen.
func (r *Router) ClientAddr() net.Addr { return r.listener.Addr() }

// ShardAddr returns the bound shard endpoint address. Valid after Listen.
func (r *Router) ShardAddr() net.Addr { return r.endpoint.LocalAddr() }

// Ready is closed once every shard has registered.
func (r *Router) Ready() <-chan struct{} { return r.ready }

// State returns the router-level state.
func (r *Router) State() State {
	return State(atomic.LoadInt32((*int32)(&r.state)))
}

func (r *Router) setState(s State) {
	atomic.StoreInt32((*int32)(&r.state), int32(s))
	r.logger.Info("state", zap.Stringer("state", s))
}

// Registry exposes the roster registry.
func (r *Router) Registry() *Registry { return r.registry }

// Health exposes the shard health tracker.
func (r *Router) Health() *HealthTracker { return r.health }

// Run registers the shards and serves clients until ctx is canceled or a
// shard transport error occurs.
func (r *Router) Run(ctx context.Context) error {
	if err := r.Listen(); err != nil {
		return err
	}
	defer r.setState(StateStopped)

	g, ctx := errgroup.WithContext(ctx)

	stop := context.AfterFunc(ctx, func() {
		_ = r.listener.Close()
	})
	defer stop()

	r.setState(StateRegistering)
	g.Go(func() error { return r.readLoop(ctx) })
	g.Go(func() error {
		r.health.Start(ctx)
		return nil
	})
	if r.cfg.AdminAddr != "" {
		g.Go(func() error { return r.serveAdmin(ctx) })
	}
	g.Go(func() error {
		select {
		case <-r.ready:
		case <-ctx.Done():
			return nil
		}
		r.setState(StateReady)
		return r.acceptLoop(ctx, g)
	})

	err := g.Wait()
	return multierr.Append(err, r.endpoint.Close())
}

// readLoop is the only reader of the shard endpoint. It records rosters and
// hands results to the query that is waiting for them.
func (r *Router) readLoop(ctx context.Context) error {
	for {
		d, err := r.endpoint.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive from shards: %w", err)
		}

		id, err := r.dir.Identify(d.From)
		if err != nil {
			r.metrics.DroppedDatagrams.WithLabelValues(dropUnknownSource).Inc()
			r.logger.Warn("dropping datagram", zap.Error(err))
			continue
		}

		msg, err := r.codec.DecodeDatagram(d.Payload)
		if err != nil {
			r.metrics.DroppedDatagrams.WithLabelValues(dropMalformed).Inc()
			r.logger.Warn("dropping malformed datagram", zap.String("shard", id), zap.Error(err))
			continue
		}

		// An empty roster is an empty payload in the legacy protocol, which
		// reads as an empty interval list.
		if r.cfg.Protocol == wire.Legacy && msg.Kind == wire.KindIntervals &&
			len(msg.Intervals) == 0 && !r.registry.Frozen() {
			msg = wire.Message{Kind: wire.KindRoster}
		}

		switch msg.Kind {
		case wire.KindRoster:
			r.register(id, msg.Usernames)
		case wire.KindIntervals:
			r.deliver(id, msg)
		default:
			r.metrics.DroppedDatagrams.WithLabelValues(dropUnexpected).Inc()
			r.logger.Warn("dropping unexpected datagram",
				zap.String("shard", id),
				zap.Stringer("kind", msg.Kind))
		}
	}
}

func (r *Router) register(id string, roster []string) {
	complete, err := r.registry.Register(id, roster)
	if errors.Is(err, ErrFrozen) {
		r.metrics.DroppedDatagrams.WithLabelValues(dropLateRoster).Inc()
		r.logger.Warn("ignoring roster after registration", zap.String("shard", id))
		return
	}
	if err != nil {
		r.logger.Warn("ignoring roster", zap.String("shard", id), zap.Error(err))
		return
	}
	r.health.Heard(id)
	r.logger.Info("registered roster",
		zap.String("shard", id),
		zap.Strings("usernames", roster))

	if complete {
		close(r.ready)
		return
	}
	r.logger.Debug("waiting for rosters", zap.Strings("pending", r.registry.Pending()))
}

func (r *Router) deliver(id string, msg wire.Message) {
	r.mu.Lock()
	pq := r.pending[msg.Seq]
	stale := r.cfg.Protocol == wire.Legacy && r.owed[id] > 0
	if stale {
		r.owed[id]--
	}
	r.mu.Unlock()

	if stale {
		r.metrics.DroppedDatagrams.WithLabelValues(dropLate).Inc()
		r.logger.Warn("dropping result of a timed-out query", zap.String("shard", id))
		return
	}
	if pq == nil || !pq.expect[id] {
		r.metrics.DroppedDatagrams.WithLabelValues(dropLate).Inc()
		r.logger.Warn("dropping result no query is waiting for",
			zap.String("shard", id),
			zap.Uint64("seq", msg.Seq))
		return
	}

	select {
	case pq.results <- shardResult{shard: id, set: msg.Intervals, received: time.Now()}:
	default:
		r.metrics.DroppedDatagrams.WithLabelValues(dropLate).Inc()
		r.logger.Warn("dropping surplus result", zap.String("shard", id), zap.Uint64("seq", msg.Seq))
	}
}

func (r *Router) acceptLoop(ctx context.Context, g *errgroup.Group) error {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		g.Go(func() error { return r.serve(ctx, conn) })
	}
}

// serve runs one client session. Client I/O errors end the session only;
// shard transport errors are returned and stop the router.
func (r *Router) serve(ctx context.Context, conn net.Conn) error {
	log := r.logger.With(
		zap.String("session", uuid.NewString()),
		zap.Stringer("client", conn.RemoteAddr()))
	log.Info("client connected")

	r.metrics.Sessions.Inc()
	defer r.metrics.Sessions.Dec()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	stream := wire.NewStream(conn, r.cfg.Protocol)
	for {
		p, err := stream.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				log.Info("client disconnected")
			} else {
				log.Warn("client read failed", zap.Error(err))
			}
			return nil
		}

		msg, err := r.codec.DecodeStream(p)
		if err != nil || msg.Kind != wire.KindQuery {
			log.Warn("ignoring client message", zap.ByteString("payload", p), zap.Error(err))
			continue
		}

		err = r.handleQuery(ctx, stream, msg.Usernames, log)
		var se *shardError
		switch {
		case errors.As(err, &se):
			return err
		case err != nil:
			if ctx.Err() == nil {
				log.Warn("client session ended", zap.Error(err))
			}
			return nil
		}
	}
}

// shardError marks failures talking to shards, which stop the router.
type shardError struct{ err error }

func (e *shardError) Error() string { return e.err.Error() }
func (e *shardError) Unwrap() error { return e.err }

// handleQuery runs ROUTING, AWAITING_RESULTS and REPLYING for one query.
func (r *Router) handleQuery(ctx context.Context, stream *wire.Stream, usernames []string, log *zap.Logger) error {
	r.metrics.Queries.Inc()
	log.Debug("state", zap.Stringer("state", StateRouting))
	log.Info("received query", zap.Strings("usernames", usernames))

	part := r.registry.Partition(usernames)
	if len(part.NotFound) > 0 {
		r.metrics.NotFound.Add(float64(len(part.NotFound)))
		log.Info("usernames do not exist", zap.Strings("usernames", part.NotFound))
		reply := r.codec.EncodeStream(wire.Message{Kind: wire.KindNotFound, Usernames: part.NotFound})
		if err := stream.WriteMessage(reply); err != nil {
			return fmt.Errorf("send not-found reply: %w", err)
		}
	}

	if len(part.Targets()) == 0 {
		log.Debug("state", zap.Stringer("state", StateReady))
		return nil
	}

	log.Debug("state", zap.Stringer("state", StateAwaitingResults))
	result, answered, err := r.gather(ctx, part, log)
	if err != nil {
		return err
	}
	if len(answered) == 0 {
		log.Warn("no shard answered; sending no result")
		return nil
	}

	found := part.Found
	if len(answered) < len(part.Targets()) {
		var skipped []string
		found, skipped = answeredNames(part, answered)
		log.Warn("replying without unanswered usernames", zap.Strings("usernames", skipped))
	}

	log.Debug("state", zap.Stringer("state", StateReplying))
	reply := r.codec.EncodeStream(wire.Message{Kind: wire.KindResult, Usernames: found, Intervals: result})
	if err := stream.WriteMessage(reply); err != nil {
		return fmt.Errorf("send result: %w", err)
	}
	log.Info("sent result",
		zap.Stringer("intervals", result),
		zap.Strings("usernames", found))
	log.Debug("state", zap.Stringer("state", StateReady))
	return nil
}

// answeredNames splits part.Found, keeping query order, into the usernames
// owned by the answered shards and the rest.
func answeredNames(part Partition, answered []string) (found, skipped []string) {
	owned := make(map[string]bool)
	for _, id := range answered {
		for _, name := range part.ByShard[id] {
			owned[name] = true
		}
	}
	for _, name := range part.Found {
		if owned[name] {
			found = append(found, name)
		} else {
			skipped = append(skipped, name)
		}
	}
	return found, skipped
}

// gather dispatches the partition and intersects the results of the shards
// that answered. answered lists those shards in configured order; it is
// empty when the await timeout expired before any shard answered.
func (r *Router) gather(ctx context.Context, part Partition, log *zap.Logger) (interval.Set, []string, error) {
	targets := part.Targets()

	var seq uint64
	if r.cfg.Protocol == wire.Legacy {
		r.dispatch.Lock()
		defer r.dispatch.Unlock()
	} else {
		seq = r.seq.Add(1)
	}

	pq := &pendingQuery{
		expect:  make(map[string]bool, len(targets)),
		results: make(chan shardResult, 2*len(targets)),
	}
	for _, id := range targets {
		pq.expect[id] = true
	}
	r.mu.Lock()
	r.pending[seq] = pq
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, seq)
		r.mu.Unlock()
	}()

	sent := make(map[string]time.Time, len(targets))
	for _, id := range targets {
		addr, _ := r.dir.Addr(id)
		names := part.ByShard[id]
		p := r.codec.EncodeDatagram(wire.Message{Kind: wire.KindQuery, Seq: seq, Usernames: names})
		if err := r.endpoint.Send(ctx, addr, p); err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			return nil, nil, &shardError{fmt.Errorf("send to shard %s: %w", id, err)}
		}
		sent[id] = time.Now()
		r.health.Dispatched(id)
		r.metrics.Dispatches.WithLabelValues(id).Inc()
		log.Info("dispatched", zap.String("shard", id), zap.Strings("usernames", names), zap.Uint64("seq", seq))
	}

	var timeout <-chan time.Time
	if r.cfg.AwaitTimeout > 0 {
		timer := time.NewTimer(r.cfg.AwaitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	got := make(map[string]interval.Set, len(targets))
collect:
	for len(got) < len(targets) {
		select {
		case res := <-pq.results:
			if _, dup := got[res.shard]; dup {
				log.Warn("ignoring duplicate result", zap.String("shard", res.shard))
				continue
			}
			got[res.shard] = res.set
			r.health.Replied(res.shard)
			r.metrics.ShardLatency.WithLabelValues(res.shard).Observe(res.received.Sub(sent[res.shard]).Seconds())
			log.Info("received result", zap.String("shard", res.shard), zap.Stringer("intervals", res.set))
		case <-timeout:
			r.metrics.Timeouts.Inc()
			for _, id := range targets {
				if _, ok := got[id]; !ok {
					r.health.Missed(id)
					if r.cfg.Protocol == wire.Legacy {
						r.mu.Lock()
						r.owed[id]++
						r.mu.Unlock()
					}
					log.Warn("await timeout; replying without shard", zap.String("shard", id))
				}
			}
			break collect
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	if len(got) == 0 {
		return nil, nil, nil
	}
	sets := make([]interval.Set, 0, len(got))
	answered := make([]string, 0, len(got))
	for _, id := range targets {
		if set, ok := got[id]; ok {
			sets = append(sets, set)
			answered = append(answered, id)
		}
	}
	return interval.Reduce(sets...), answered, nil
}
