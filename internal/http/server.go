// Package http serves the bridge's REST API and hands the event socket off
// to the gateway. Routes live under /v1; /healthz stays unauthenticated for
// liveness probes.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/wabridge/internal/channel"
	"github.com/nextlevelbuilder/wabridge/internal/config"
	"github.com/nextlevelbuilder/wabridge/internal/gateway"
	"github.com/nextlevelbuilder/wabridge/internal/journal"
	"github.com/nextlevelbuilder/wabridge/internal/lifecycle"
	"github.com/nextlevelbuilder/wabridge/internal/provider"
	"github.com/nextlevelbuilder/wabridge/pkg/protocol"
)

// maxRequestBodySize bounds JSON request bodies.
const maxRequestBodySize = 1 << 20 // 1MB

// Lifecycle is the slice of the controller the API needs.
type Lifecycle interface {
	Create(ctx context.Context, id string) (channel.Channel, error)
	Regenerate(ctx context.Context, id string) (channel.Channel, error)
	Close(ctx context.Context, id string) error
	Get(id string) (channel.Channel, error)
	List() []channel.Channel
	Counts() (total, connected int)
	Health(id string) (lifecycle.Health, error)
	Connected(id string) (bool, error)
	SendText(ctx context.Context, id, to, text string) (provider.Receipt, error)
	CheckRecipient(ctx context.Context, id, phone string) (provider.Recipient, bool, error)
}

// JournalReader answers journal queries.
type JournalReader interface {
	Recent(ctx context.Context, channelID string, limit int) ([]journal.Entry, error)
}

// Server carries the handler dependencies.
type Server struct {
	lifecycle Lifecycle
	journal   JournalReader
	hub       *gateway.Hub
	limiter   *gateway.RateLimiter
	token     string
	version   string
	started   time.Time
	log       *slog.Logger
}

// Options configures a Server.
type Options struct {
	Lifecycle Lifecycle
	Journal   JournalReader
	Hub       *gateway.Hub
	Limiter   *gateway.RateLimiter
	Token     string
	Version   string
	Log       *slog.Logger
}

// NewServer creates the API server. Hub and Journal may be nil; the matching
// endpoints then answer 503.
func NewServer(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		lifecycle: opts.Lifecycle,
		journal:   opts.Journal,
		hub:       opts.Hub,
		limiter:   opts.Limiter,
		token:     opts.Token,
		version:   opts.Version,
		started:   time.Now(),
		log:       log.With("component", "http"),
	}
}

// Handler builds the route table wrapped in logging and rate limiting.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /v1/channels", s.auth(s.handleCreate))
	mux.HandleFunc("GET /v1/channels", s.auth(s.handleList))
	mux.HandleFunc("GET /v1/channels/{id}", s.auth(s.handleGet))
	mux.HandleFunc("POST /v1/channels/{id}/regenerate", s.auth(s.handleRegenerate))
	mux.HandleFunc("DELETE /v1/channels/{id}", s.auth(s.handleClose))
	mux.HandleFunc("GET /v1/channels/{id}/health", s.auth(s.handleChannelHealth))
	mux.HandleFunc("GET /v1/channels/{id}/connected", s.auth(s.handleConnected))
	mux.HandleFunc("POST /v1/channels/{id}/messages", s.auth(s.handleSendMessage))
	mux.HandleFunc("GET /v1/channels/{id}/recipients/{phone}", s.auth(s.handleCheckRecipient))
	mux.HandleFunc("GET /v1/channels/{id}/journal", s.auth(s.handleChannelJournal))
	mux.HandleFunc("GET /v1/journal", s.auth(s.handleJournal))
	mux.HandleFunc("GET /v1/events", s.auth(s.handleEvents))

	return s.withMiddleware(mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	total, connected := s.lifecycle.Counts()
	writeJSON(w, http.StatusOK, protocol.ServerHealth{
		OK:        true,
		Version:   s.version,
		Channels:  total,
		Connected: connected,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req protocol.CreateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "invalid JSON: "+err.Error())
		return
	}

	id := config.NormalizeChannelID(req.ChannelID)
	if id == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "channelId is required")
		return
	}

	ch, err := s.lifecycle.Create(r.Context(), id)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, gateway.ChannelInfo(ch))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	chans := s.lifecycle.List()
	infos := make([]protocol.ChannelInfo, 0, len(chans))
	for _, ch := range chans {
		infos = append(infos, gateway.ChannelInfo(ch))
	}
	writeJSON(w, http.StatusOK, protocol.ChannelList{Channels: infos})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ch, err := s.lifecycle.Get(r.PathValue("id"))
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gateway.ChannelInfo(ch))
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	ch, err := s.lifecycle.Regenerate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gateway.ChannelInfo(ch))
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.Close(r.Context(), r.PathValue("id")); err != nil {
		writeLifecycleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChannelHealth(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h, err := s.lifecycle.Health(id)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.HealthInfo{
		ChannelID: id,
		Healthy:   h.Healthy,
		Status:    string(h.Status),
		Reason:    h.Reason,
	})
}

func (s *Server) handleConnected(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	connected, err := s.lifecycle.Connected(id)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ConnectedInfo{ChannelID: id, Connected: connected})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	id := r.PathValue("id")
	var req protocol.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.To == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "to and text are required")
		return
	}

	receipt, err := s.lifecycle.SendText(r.Context(), id, req.To, req.Text)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.MessageAck{
		ChannelID: id,
		MessageID: receipt.MessageID,
		To:        receipt.To,
		Timestamp: receipt.Timestamp,
	})
}

func (s *Server) handleCheckRecipient(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	phone := r.PathValue("phone")

	recipient, cached, err := s.lifecycle.CheckRecipient(r.Context(), id, phone)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.RecipientCheck{
		ChannelID: id,
		Phone:     recipient.Phone,
		Reachable: recipient.Reachable,
		JID:       recipient.JID,
		Cached:    cached,
	})
}

func (s *Server) handleChannelJournal(w http.ResponseWriter, r *http.Request) {
	s.serveJournal(w, r, r.PathValue("id"))
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	s.serveJournal(w, r, "")
}

func (s *Server) serveJournal(w http.ResponseWriter, r *http.Request, channelID string) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, protocol.ErrUnavailable, "journal not configured")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.journal.Recent(r.Context(), channelID, limit)
	if err != nil {
		s.log.Error("journal read failed", "channel", channelID, "error", err)
		writeError(w, http.StatusInternalServerError, protocol.ErrInternal, "journal read failed")
		return
	}

	out := make([]protocol.JournalEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, protocol.JournalEntry{
			ChannelID: e.ChannelID,
			From:      e.From,
			To:        e.To,
			Cause:     e.Cause,
			At:        e.At,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": out})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, protocol.ErrUnavailable, "event feed not configured")
		return
	}
	s.hub.HandleUpgrade(w, r)
}

// writeLifecycleError maps controller sentinels onto HTTP statuses.
func writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrChannelExists):
		writeError(w, http.StatusConflict, protocol.ErrAlreadyExists, err.Error())
	case errors.Is(err, lifecycle.ErrChannelNotFound):
		writeError(w, http.StatusNotFound, protocol.ErrNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrAlreadyWaiting):
		writeError(w, http.StatusConflict, protocol.ErrPairingFailed, err.Error())
	case errors.Is(err, lifecycle.ErrNoCredentials):
		writeError(w, http.StatusConflict, protocol.ErrNoCredentials, err.Error())
	case errors.Is(err, lifecycle.ErrNotConnected):
		writeError(w, http.StatusConflict, protocol.ErrNotConnected, err.Error())
	case errors.Is(err, lifecycle.ErrPairingEncode):
		writeError(w, http.StatusBadGateway, protocol.ErrPairingFailed, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, protocol.ErrInternal, err.Error())
	}
}

// ListenAndServe runs the server until ctx is done, then drains with a 10s
// grace period.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, log *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Serve runs the server on an existing listener until ctx is done. Used by
// the tailnet listener.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler, log *slog.Logger) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
