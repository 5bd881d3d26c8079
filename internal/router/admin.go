package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/overlap/internal/cluster"
)

// ShardStatus is the admin view of one configured shard.
type ShardStatus struct {
	cluster.ShardInfo
	Users  int          `json:"users"`
	Health *ShardHealth `json:"health"`
}

// AdminHandler serves the router's read-only admin endpoints:
//
//	GET /health   state and per-shard health; 503 until every shard registered
//	GET /rosters  registered rosters by shard ID
//	GET /shards   configured shards with roster size and health
//	GET /metrics  Prometheus metrics from gatherer
func (r *Router) AdminHandler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", r.handleHealth)
	mux.HandleFunc("/rosters", r.handleRosters)
	mux.HandleFunc("/shards", r.handleShards)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	state := r.State()
	status := http.StatusOK
	if !r.registry.Frozen() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, struct {
		State   string                  `json:"state"`
		Pending []string                `json:"pending,omitempty"`
		Shards  map[string]*ShardHealth `json:"shards"`
	}{
		State:   state.String(),
		Pending: r.registry.Pending(),
		Shards:  r.health.GetAllShardHealth(),
	})
}

func (r *Router) handleRosters(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, r.registry.Rosters())
}

func (r *Router) handleShards(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	shards := r.dir.Shards()
	out := make([]ShardStatus, 0, len(shards))
	for _, s := range shards {
		roster, _ := r.registry.Roster(s.ID)
		out = append(out, ShardStatus{
			ShardInfo: s,
			Users:     len(roster),
			Health:    r.health.GetShardHealth(s.ID),
		})
	}
	writeJSON(w, http.StatusOK, struct {
		Shards []ShardStatus `json:"shards"`
	}{Shards: out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// serveAdmin runs the admin HTTP server until ctx is canceled.
func (r *Router) serveAdmin(ctx context.Context) error {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if g, ok := r.reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	srv := &http.Server{
		Addr:              r.cfg.AdminAddr,
		Handler:           r.AdminHandler(gatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		r.logger.Info("admin listening", zap.String("addr", r.cfg.AdminAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		r.logger.Warn("admin shutdown", zap.Error(err))
	}
	return nil
}
