package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"expvar"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dumbbond/ehri-rest/internal/acl"
	"github.com/dumbbond/ehri-rest/internal/actions"
	"github.com/dumbbond/ehri-rest/internal/graph"
	"github.com/dumbbond/ehri-rest/internal/models"
	"github.com/dumbbond/ehri-rest/internal/registry"
	"github.com/dumbbond/ehri-rest/internal/serialize"
	"github.com/dumbbond/ehri-rest/internal/views"
)

// UserHeader names the accessor a request is made as. Without it the
// request is anonymous. The server does not authenticate the header's
// value, so it is only trustworthy behind a proxy that authenticates users
// and sets it; the bearer token alone lets a client act as any user.
const UserHeader = "X-User"

// Options tunes the server's defaults.
type Options struct {
	AdminGroup     string
	DefaultLimit   int
	Aggregation    views.Aggregation
	MaxAggregation int
	// Clock timestamps committed events; nil means time.Now.
	Clock func() time.Time
}

// Server is an HTTP API server over the event log and permission checks.
type Server struct {
	store     graph.Store
	logger    *slog.Logger
	authToken string // empty = no auth required
	opts      Options
}

// NewServer creates a new Server with the given dependencies.
func NewServer(st graph.Store, logger *slog.Logger, authToken string, opts Options) *Server {
	if opts.MaxAggregation <= 0 {
		opts.MaxAggregation = views.DefaultMaxAggregation
	}
	if opts.AdminGroup == "" {
		opts.AdminGroup = acl.DefaultAdminGroup
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Server{
		store:     st,
		logger:    logger,
		authToken: authToken,
		opts:      opts,
	}
}

// Handler returns an http.Handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check and counters: no auth required.
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /debug/vars", expvar.Handler())

	mux.HandleFunc("GET /v1/events", s.auth(s.handleListEvents))
	mux.HandleFunc("POST /v1/events", s.auth(s.handleCommitEvent))
	mux.HandleFunc("GET /v1/items/{id}", s.auth(s.handleGetItem))
	mux.HandleFunc("GET /v1/items/{id}/events", s.auth(s.handleItemEvents))
	mux.HandleFunc("GET /v1/items/{id}/versions", s.auth(s.handleItemVersions))
	mux.HandleFunc("GET /v1/users/{id}/actions", s.auth(s.handleUserActions))
	mux.HandleFunc("GET /v1/users/{id}/stream", s.auth(s.handleUserStream))
	mux.HandleFunc("GET /v1/permissions/check", s.auth(s.handleCheckPermission))

	return mux
}

// --- middleware ---

// auth wraps a handler with Bearer token authentication when authToken is set.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// --- handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// eventsResponse is returned by the event listing endpoints. Exactly one
// of Events and Groups is set.
type eventsResponse struct {
	Events []*actions.SystemEvent   `json:"events,omitempty"`
	Groups [][]*actions.SystemEvent `json:"groups,omitempty"`
}

type source int

const (
	sourceGlobal source = iota
	sourceItem
	sourceUser
	sourcePersonal
)

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	s.serveEvents(w, r, sourceGlobal, "")
}

func (s *Server) handleItemEvents(w http.ResponseWriter, r *http.Request) {
	s.serveEvents(w, r, sourceItem, r.PathValue("id"))
}

func (s *Server) handleUserActions(w http.ResponseWriter, r *http.Request) {
	s.serveEvents(w, r, sourceUser, r.PathValue("id"))
}

func (s *Server) handleUserStream(w http.ResponseWriter, r *http.Request) {
	s.serveEvents(w, r, sourcePersonal, r.PathValue("id"))
}

func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request, src source, id string) {
	q, aggregate, err := s.query(r.URL.Query())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var resp eventsResponse
	err = s.store.View(r.Context(), func(tx graph.Tx) error {
		ctx := r.Context()
		accessor, err := s.accessor(ctx, tx, r)
		if err != nil {
			return err
		}
		e := views.NewEngine(tx, s.opts.AdminGroup, s.logger)

		var target *graph.Vertex
		if src != sourceGlobal {
			if target, err = s.visibleItem(ctx, tx, id, accessor); err != nil {
				return err
			}
			if src != sourceItem && !registry.ClassOf(target).IsAccessor() {
				return &registry.ItemNotFoundError{ID: id, Class: models.ClassUserProfile}
			}
		}

		switch {
		case src == sourceGlobal && aggregate:
			resp.Groups, err = e.Aggregate(ctx, q, accessor)
		case src == sourceGlobal:
			resp.Events, err = e.List(ctx, q, accessor)
		case src == sourceItem && aggregate:
			resp.Groups, err = e.AggregateForItem(ctx, q, target, accessor)
		case src == sourceItem:
			resp.Events, err = e.ListForItem(ctx, q, target, accessor)
		case src == sourceUser && aggregate:
			resp.Groups, err = e.AggregateByUser(ctx, q, target, accessor)
		case src == sourceUser:
			resp.Events, err = e.ListByUser(ctx, q, target, accessor)
		case aggregate:
			resp.Groups, err = e.AggregateAsUser(ctx, q, target, accessor)
		default:
			resp.Events, err = e.ListAsUser(ctx, q, target, accessor)
		}
		return err
	})
	if err != nil {
		s.writeFailure(w, "list events", err)
		return
	}
	if resp.Events == nil && !aggregate {
		resp.Events = []*actions.SystemEvent{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// query builds a views.Query from URL parameters. It reports whether the
// caller asked for aggregated groups.
func (s *Server) query(params url.Values) (views.Query, bool, error) {
	q := views.NewQuery(s.logger).
		WithAggregation(s.opts.Aggregation).
		WithMaxAggregation(s.opts.MaxAggregation).
		WithEventTypeNames(params["type"]...).
		WithEntityClassNames(params["class"]...).
		WithShowTypeNames(params["show"]...).
		WithIDs(params["id"]...).
		WithUsers(params["user"]...).
		WithFrom(params.Get("from")).
		WithTo(params.Get("to"))

	offset, err := intParam(params, "offset", 0)
	if err != nil {
		return q, false, err
	}
	limit, err := intParam(params, "limit", s.opts.DefaultLimit)
	if err != nil {
		return q, false, err
	}
	q = q.WithRange(offset, limit)

	aggregate := false
	if a := params.Get("aggregation"); a != "" {
		mode, err := views.ParseAggregation(a)
		if err != nil {
			return q, false, err
		}
		q = q.WithAggregation(mode)
		aggregate = true
	}
	if v := params.Get("aggregate"); v != "" {
		if aggregate, err = strconv.ParseBool(v); err != nil {
			return q, false, errors.New("aggregate must be a boolean")
		}
	}
	return q, aggregate, nil
}

func intParam(params url.Values, name string, def int) (int, error) {
	raw := params.Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return n, nil
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var bundle serialize.Bundle
	err := s.store.View(r.Context(), func(tx graph.Tx) error {
		accessor, err := s.accessor(r.Context(), tx, r)
		if err != nil {
			return err
		}
		item, err := s.visibleItem(r.Context(), tx, id, accessor)
		if err != nil {
			return err
		}
		bundle, err = serialize.Serializer{}.Serialize(r.Context(), tx, item)
		return err
	})
	if err != nil {
		s.writeFailure(w, "get item", err)
		return
	}
	s.writeJSON(w, http.StatusOK, bundle)
}

// versionsResponse is returned by GET /v1/items/{id}/versions.
type versionsResponse struct {
	Versions []*actions.Version `json:"versions"`
}

func (s *Server) handleItemVersions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resp := versionsResponse{Versions: []*actions.Version{}}
	err := s.store.View(r.Context(), func(tx graph.Tx) error {
		accessor, err := s.accessor(r.Context(), tx, r)
		if err != nil {
			return err
		}
		item, err := s.visibleItem(r.Context(), tx, id, accessor)
		if err != nil {
			return err
		}
		for v, err := range actions.NewManager(tx).Versions(r.Context(), item) {
			if err != nil {
				return err
			}
			resp.Versions = append(resp.Versions, v)
		}
		return nil
	})
	if err != nil {
		s.writeFailure(w, "list versions", err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// commitRequest is the body accepted by POST /v1/events.
type commitRequest struct {
	EventType  string   `json:"eventType"`
	Subjects   []string `json:"subjects"`
	LogMessage string   `json:"logMessage"`
	Scope      string   `json:"scope"`
	Version    bool     `json:"version"`
}

func (s *Server) handleCommitEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	var req commitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	eventType, ok := models.ParseEventType(req.EventType)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid event type")
		return
	}
	if len(req.Subjects) == 0 {
		s.writeError(w, http.StatusBadRequest, "subjects are required")
		return
	}

	var event *actions.SystemEvent
	err := s.store.Update(r.Context(), func(tx graph.Tx) error {
		ctx := r.Context()
		accessor, err := s.accessor(ctx, tx, r)
		if err != nil {
			return err
		}
		m := actions.NewManager(tx, actions.WithClock(s.opts.Clock), actions.WithLogger(s.logger))
		event, err = m.Record(ctx, acl.NewManager(tx, s.opts.AdminGroup), actions.Request{
			Actioner:   accessor,
			EventType:  eventType,
			Subjects:   req.Subjects,
			LogMessage: req.LogMessage,
			Scope:      req.Scope,
			Version:    req.Version,
		})
		return err
	})
	if err != nil {
		s.writeFailure(w, "commit event", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, event)
}

func (s *Server) handleCheckPermission(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	req := acl.CheckRequest{
		Accessor:   params.Get("accessor"),
		Permission: params.Get("permission"),
		Entity:     params.Get("entity"),
		Class:      params.Get("class"),
		Scope:      params.Get("scope"),
	}
	var decision acl.Decision
	err := s.store.View(r.Context(), func(tx graph.Tx) error {
		var err error
		decision, err = acl.Check(r.Context(), tx, s.opts.AdminGroup, req)
		return err
	})
	if err != nil {
		s.writeFailure(w, "check permission", err)
		return
	}
	s.writeJSON(w, http.StatusOK, decision)
}

// --- helpers ---

// errUnknownUser is returned when the user header names no accessor.
var errUnknownUser = errors.New("unknown user")

func (s *Server) accessor(ctx context.Context, tx graph.Tx, r *http.Request) (acl.Accessor, error) {
	a, err := acl.ResolveAccessor(ctx, tx, r.Header.Get(UserHeader))
	if registry.IsNotFound(err) {
		return a, errUnknownUser
	}
	return a, err
}

// visibleItem resolves id, reporting items the accessor may not read as
// not found.
func (s *Server) visibleItem(ctx context.Context, tx graph.Tx, id string, accessor acl.Accessor) (*graph.Vertex, error) {
	item, err := registry.Get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	ok, err := acl.NewManager(tx, s.opts.AdminGroup).CanRead(ctx, item, accessor)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &registry.ItemNotFoundError{ID: id}
	}
	return item, nil
}

// writeFailure maps err to a status code.
func (s *Server) writeFailure(w http.ResponseWriter, op string, err error) {
	var denied *acl.PermissionDeniedError
	switch {
	case errors.As(err, &denied):
		s.writeError(w, http.StatusForbidden, denied.Error())
	case errors.Is(err, errUnknownUser):
		s.writeError(w, http.StatusUnauthorized, err.Error())
	case registry.IsNotFound(err):
		s.writeError(w, http.StatusNotFound, "item not found")
	case errors.Is(err, acl.ErrUnsupportedOperation), errors.Is(err, acl.ErrInvalidCheck),
		errors.Is(err, actions.ErrNoSubjects):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "op", op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

// writeJSON encodes v as JSON and writes it to w with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(v); encErr != nil {
		s.logger.Error("failed to encode response", "error", encErr)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// Shutdown gracefully shuts down an http.Server with the given timeout.
// This is a convenience helper used by the serve command.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
