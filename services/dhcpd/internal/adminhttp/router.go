package adminhttp

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dhcpd/services/dhcpd/internal/lease"
	"dhcpd/services/dhcpd/internal/params"
)

const defaultRequestsPerMinute = 100

// LeaseSource is the read side of the lease table.
type LeaseSource interface {
	Leases() []lease.Lease
	ActiveCount() int
	DeclinedCount() int
}

// RouterOptions wires the admin API to the running server.
type RouterOptions struct {
	Params *params.ServingParams
	Leases LeaseSource
	// Ready reports whether the DHCP socket is open.
	Ready *atomic.Bool
	// Metrics defaults to promhttp.Handler().
	Metrics http.Handler
	// Middleware wraps the whole router, typically telemetry.Middleware.
	Middleware     func(http.Handler) http.Handler
	AllowedOrigins []string
	// RequestsPerMinute limits each client IP; zero means 100.
	RequestsPerMinute int
	Now               func() time.Time
}

type handlers struct {
	params *params.ServingParams
	leases LeaseSource
	ready  *atomic.Bool
	now    func() time.Time
}

// Router builds the admin HTTP router with health, readiness, metrics and
// read-only lease endpoints.
func Router(opts RouterOptions) (http.Handler, error) {
	if opts.Params == nil {
		return nil, errors.New("serving params are required")
	}
	if opts.Leases == nil {
		return nil, errors.New("lease source is required")
	}
	if opts.Ready == nil {
		return nil, errors.New("ready indicator is nil")
	}
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = defaultRequestsPerMinute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	h := &handlers{params: opts.Params, leases: opts.Leases, ready: opts.Ready, now: opts.Now}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept"},
			MaxAge:         int((10 * time.Minute).Seconds()),
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", h.readyz)
	r.Method(http.MethodGet, "/metrics", opts.Metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(opts.RequestsPerMinute, time.Minute))
		r.Get("/pool", h.pool)
		r.Get("/leases", h.listLeases)
		r.Get("/leases/{addr}", h.getLease)
	})

	if opts.Middleware != nil {
		return opts.Middleware(r), nil
	}
	return r, nil
}

func (h *handlers) readyz(w http.ResponseWriter, _ *http.Request) {
	if !h.ready.Load() {
		http.Error(w, "dhcp socket not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type poolView struct {
	Server    string `json:"server"`
	Prefix    string `json:"prefix"`
	First     string `json:"first"`
	Last      string `json:"last"`
	Size      int    `json:"size"`
	Reserved  int    `json:"reserved"`
	Active    int    `json:"active"`
	Declined  int    `json:"declined"`
	Available int    `json:"available"`
}

func (h *handlers) pool(w http.ResponseWriter, _ *http.Request) {
	first, last := h.params.Pool()
	v := poolView{
		Server:   h.params.ServerAddr().String(),
		Prefix:   h.params.Prefix().String(),
		First:    first.String(),
		Last:     last.String(),
		Size:     h.params.PoolSize(),
		Reserved: h.params.ReservedCount(),
		Active:   h.leases.ActiveCount(),
		Declined: h.leases.DeclinedCount(),
	}
	v.Available = max(0, v.Size-v.Reserved-v.Active-v.Declined)
	respondJSON(w, http.StatusOK, v)
}

type leaseView struct {
	Addr             string    `json:"addr"`
	HWAddr           string    `json:"hw_addr"`
	ClientID         string    `json:"client_id,omitempty"`
	Hostname         string    `json:"hostname,omitempty"`
	ExpiresAt        time.Time `json:"expires_at"`
	ExpiresInSeconds int64     `json:"expires_in_seconds"`
}

func (h *handlers) view(l lease.Lease, now time.Time) leaseView {
	v := leaseView{
		Addr:             l.Addr.String(),
		HWAddr:           l.Client.HWAddr.String(),
		Hostname:         l.Hostname,
		ExpiresAt:        l.Expiration.UTC(),
		ExpiresInSeconds: max(0, int64(l.Expiration.Sub(now)/time.Second)),
	}
	if len(l.Client.ID) > 0 {
		v.ClientID = hex.EncodeToString(l.Client.ID)
	}
	return v
}

func (h *handlers) listLeases(w http.ResponseWriter, _ *http.Request) {
	now := h.now()
	leases := h.leases.Leases()
	out := make([]leaseView, 0, len(leases))
	for _, l := range leases {
		out = append(out, h.view(l, now))
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *handlers) getLease(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "addr")
	addr, err := netip.ParseAddr(raw)
	if err != nil || !addr.Is4() {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid IPv4 address %q", raw))
		return
	}
	if !h.params.InPrefix(addr) {
		respondError(w, http.StatusNotFound, fmt.Errorf("%s is outside %s", addr, h.params.Prefix()))
		return
	}
	for _, l := range h.leases.Leases() {
		if l.Addr == addr {
			respondJSON(w, http.StatusOK, h.view(l, h.now()))
			return
		}
	}
	respondError(w, http.StatusNotFound, fmt.Errorf("no lease for %s", addr))
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}
