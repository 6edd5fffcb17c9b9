// Package admin provides operator control endpoints for a running bot.
// Mutating endpoints require a TOTP code in the X-Admin-OTP header.
package admin

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"

	"candlebot/internal/marketdata/stream"
	"candlebot/internal/strategy"
)

// OTPHeader carries the operator's current TOTP code.
const OTPHeader = "X-Admin-OTP"

// Engine is the strategy engine surface the endpoints drive.
type Engine interface {
	Pause()
	Resume()
	ForceClose(ctx context.Context, reason string) error
	Status() strategy.Snapshot
}

// Stream is the stream manager surface the endpoints drive.
type Stream interface {
	Reconnect(reason string) error
	Stats() stream.Stats
	Subscriptions() (active, pending []string)
}

const (
	otpPeriod = 30
	otpSkew   = 1
)

// Handler serves /admin/*.
type Handler struct {
	engine Engine
	stream Stream
	secret string
	now    func() time.Time

	mu   sync.Mutex
	used map[string]time.Time // accepted code -> when it leaves the skew window
}

// NewHandler creates the admin handler. With an empty secret every mutating
// endpoint answers 403. stream may be nil in backtests.
func NewHandler(engine Engine, st Stream, secret string) *Handler {
	return &Handler{engine: engine, stream: st, secret: secret, now: time.Now, used: make(map[string]time.Time)}
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux interface {
	Handle(pattern string, handler http.Handler)
}) {
	mux.Handle("/admin/status", http.HandlerFunc(h.status))
	mux.Handle("/admin/pause", h.guard(h.pause))
	mux.Handle("/admin/resume", h.guard(h.resume))
	mux.Handle("/admin/reconnect", h.guard(h.reconnect))
	mux.Handle("/admin/close", h.guard(h.forceClose))
}

func (h *Handler) guard(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
			return
		}
		if h.secret == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin disabled"})
			return
		}
		if !h.validCode(r.Header.Get(OTPHeader)) {
			log.Printf("[admin] rejected %s from %s: bad or reused code", r.URL.Path, r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid code"})
			return
		}
		log.Printf("[admin] %s accepted from %s", r.URL.Path, r.RemoteAddr)
		next(w, r)
	})
}

func (h *Handler) validCode(code string) bool {
	if code == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	for c, until := range h.used {
		if now.After(until) {
			delete(h.used, c)
		}
	}
	if _, seen := h.used[code]; seen {
		return false
	}
	ok, err := totp.ValidateCustom(code, h.secret, now, totp.ValidateOpts{
		Period: otpPeriod,
		Skew:   otpSkew,
		Digits: 6,
	})
	if err != nil || !ok {
		return false
	}
	// a code stays valid for skew steps on either side of its own step
	h.used[code] = now.Add((2*otpSkew + 1) * otpPeriod * time.Second)
	return true
}

type statusResponse struct {
	Engine  strategy.Snapshot `json:"engine"`
	Stream  *stream.Stats     `json:"stream,omitempty"`
	Active  []string          `json:"subscriptions,omitempty"`
	Pending []string          `json:"pending_subscriptions,omitempty"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET required"})
		return
	}
	resp := statusResponse{Engine: h.engine.Status()}
	if h.stream != nil {
		st := h.stream.Stats()
		resp.Stream = &st
		resp.Active, resp.Pending = h.stream.Subscriptions()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) pause(w http.ResponseWriter, r *http.Request) {
	h.engine.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	h.engine.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (h *Handler) reconnect(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no stream"})
		return
	}
	if err := h.stream.Reconnect("admin"); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reconnecting"})
}

func (h *Handler) forceClose(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ForceClose(r.Context(), "ADMIN CLOSE"); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
