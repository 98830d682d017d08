// Package httpapi is the local bridge a UI process uses to read store state
// and drive the session lifecycle.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/ledgersync/internal/domains/chat"
	"github.com/R3E-Network/ledgersync/internal/events"
	"github.com/R3E-Network/ledgersync/internal/fallback"
	"github.com/R3E-Network/ledgersync/internal/logging"
	"github.com/R3E-Network/ledgersync/internal/session"
	"github.com/R3E-Network/ledgersync/internal/store"
	"github.com/R3E-Network/ledgersync/internal/supervisor"
)

var errUnauthorized = errors.New("unauthorized")

// Sessions is the coordinator surface the bridge drives.
type Sessions interface {
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	Reconcile(ctx context.Context) (map[string]fallback.Report, error)
	Stores() []store.Lifecycle
	Store(id string) (store.Lifecycle, error)
	Active() bool
}

var _ Sessions = (*session.Coordinator)(nil)

// Options configures the handler.
type Options struct {
	Sessions Sessions
	Journal  events.Journal
	// Metrics serves /metrics when set.
	Metrics  http.Handler
	Requests RequestRecorder
	// Outboxes maps chat domain ids to their outbox.
	Outboxes map[string]*chat.Outbox

	Token          string
	AllowedOrigins []string
	Logger         *logging.Logger
}

type handler struct {
	sessions Sessions
	journal  events.Journal
	outboxes map[string]*chat.Outbox
	log      *logging.Logger
}

// NewHandler returns the bridge router.
func NewHandler(opts Options) http.Handler {
	if opts.Journal == nil {
		opts.Journal = events.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDefault("httpapi")
	}
	h := &handler{
		sessions: opts.Sessions,
		journal:  opts.Journal,
		outboxes: opts.Outboxes,
		log:      opts.Logger.Named("httpapi"),
	}

	r := mux.NewRouter()
	r.Use(tracing(h.log, opts.Requests), bearer(opts.Token))

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/stores", h.listStores).Methods(http.MethodGet)
	v1.HandleFunc("/stores/{domain}", h.getStore).Methods(http.MethodGet)
	v1.HandleFunc("/session/login", h.login).Methods(http.MethodPost)
	v1.HandleFunc("/session/logout", h.logout).Methods(http.MethodPost)
	v1.HandleFunc("/reconcile", h.reconcile).Methods(http.MethodPost)
	v1.HandleFunc("/events", h.listEvents).Methods(http.MethodGet)
	v1.HandleFunc("/chat/{domain}/messages", h.sendMessage).Methods(http.MethodPost)
	v1.HandleFunc("/chat/{domain}/outbox", h.listOutbox).Methods(http.MethodGet)
	v1.HandleFunc("/chat/{domain}/outbox/{clientId}", h.discardOutbox).Methods(http.MethodDelete)

	return cors(opts.AllowedOrigins)(r)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"session": h.sessions.Active(),
	})
}

func (h *handler) listStores(w http.ResponseWriter, r *http.Request) {
	stores := h.sessions.Stores()
	statuses := make([]supervisor.Status, 0, len(stores))
	for _, s := range stores {
		statuses = append(statuses, s.Status())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active": h.sessions.Active(),
		"stores": statuses,
	})
}

func (h *handler) getStore(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Store(mux.Vars(r)["domain"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, s.View())
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Login(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.listStores(w, r)
}

// logout always completes; persistence failures are reported, not fatal.
func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "logged_out"}
	if err := h.sessions.Logout(r.Context()); err != nil {
		h.log.WithContext(r.Context()).WithError(err).Warn("logout finished with errors")
		resp["errors"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) reconcile(w http.ResponseWriter, r *http.Request) {
	reports, err := h.sessions.Reconcile(r.Context())
	if errors.Is(err, session.ErrNotLoggedIn) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}

	list := h.journal.Recent(events.Filter{
		Domain: q.Get("domain"),
		Type:   events.EventType(q.Get("type")),
	}, limit)
	if list == nil {
		list = []events.Event{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) outbox(w http.ResponseWriter, r *http.Request) (*chat.Outbox, bool) {
	o, ok := h.outboxes[mux.Vars(r)["domain"]]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no chat outbox for %q", mux.Vars(r)["domain"]))
	}
	return o, ok
}

func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	o, ok := h.outbox(w, r)
	if !ok {
		return
	}
	var payload struct {
		ConversationID string `json:"conversationId"`
		Body           string `json:"body"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	p, err := o.Send(r.Context(), payload.ConversationID, payload.Body)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, supervisor.ErrNotConnected):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusAccepted, p)
	}
}

func (h *handler) listOutbox(w http.ResponseWriter, r *http.Request) {
	if o, ok := h.outbox(w, r); ok {
		writeJSON(w, http.StatusOK, o.Pending())
	}
}

func (h *handler) discardOutbox(w http.ResponseWriter, r *http.Request) {
	o, ok := h.outbox(w, r)
	if !ok {
		return
	}
	if !o.Discard(mux.Vars(r)["clientId"]) {
		writeError(w, http.StatusNotFound, errors.New("provisional message not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// Serve runs the bridge on addr until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, log *logging.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return serve(ctx, ln, h, log)
}

func serve(ctx context.Context, ln net.Listener, h http.Handler, log *logging.Logger) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.WithField("addr", ln.Addr().String()).Info("local api listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown local api: %w", err)
	}
	return nil
}
