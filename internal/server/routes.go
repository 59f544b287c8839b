package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"remindd/internal/definitions"
	"remindd/internal/reminder"
	"remindd/internal/scheduler"
	"remindd/pkg/logx"
)

// Engine is the part of the reminder engine the API drives.
type Engine interface {
	ObserveCase(ctx context.Context, c *reminder.Case, now time.Time) error
	RecordAck(ctx context.Context, userID, phone string, at time.Time) error
	DefinitionsFor(ctx context.Context, domain, caseType string) ([]*reminder.Definition, error)
	ReconcileOwner(ctx context.Context, userID string, now time.Time) error
}

// Users accepts directory updates.
type Users interface {
	Put(ctx context.Context, u *reminder.User) error
	Delete(ctx context.Context, userID string) error
}

// Audit reads instance state and the delivery log.
type Audit interface {
	GetInstance(ctx context.Context, id string) (*reminder.Instance, error)
	RecentDeliveries(ctx context.Context, instanceID string, limit int) ([]reminder.Delivery, error)
}

// Scheduler exposes manual ticks and trigger state.
type Scheduler interface {
	RunOnce(ctx context.Context) (reminder.TickReport, error)
	Snapshot() scheduler.Snapshot
}

// Syncer re-applies the definitions file.
type Syncer interface {
	Sync(ctx context.Context) (definitions.Result, error)
}

// Deps are the collaborators behind the routes. Scheduler, Syncer, Metrics
// and Health are optional; their routes answer 404 when absent.
type Deps struct {
	Engine    Engine
	Users     Users
	Audit     Audit
	Scheduler Scheduler
	Syncer    Syncer
	Metrics   MetricsHandler
	// Health returns nil while the daemon is healthy.
	Health func() error
	Now    func() time.Time
}

// MetricsHandler serves /metrics and instruments requests.
type MetricsHandler interface {
	Handler() http.Handler
	Middleware(route func(r *http.Request) string) func(http.Handler) http.Handler
}

const maxBody = 1 << 20

type api struct {
	deps Deps
	log  logx.Logger
}

// Handler builds the router for cfg.
func Handler(cfg Config, deps Deps, log logx.Logger) http.Handler {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &api{deps: deps, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.accessLog)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware(routePattern))
	}

	r.Get("/healthz", a.healthz)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		if deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
		}
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
		r.Route("/v1", func(r chi.Router) {
			r.Post("/cases", a.postCase)
			r.Put("/users/{id}", a.putUser)
			r.Delete("/users/{id}", a.deleteUser)
			r.Post("/acks", a.postAck)
			r.Get("/definitions", a.listDefinitions)
			r.Post("/definitions/sync", a.syncDefinitions)
			r.Get("/instances/{id}", a.getInstance)
			r.Get("/instances/{id}/deliveries", a.listDeliveries)
			r.Post("/tick", a.postTick)
			r.Get("/scheduler", a.getScheduler)
		})
	})
	return r
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

func (a *api) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// bearerAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	var b errorBody
	b.Error.Code, b.Error.Message = code, msg
	writeJSON(w, status, b)
}

// fail maps domain errors onto HTTP statuses.
func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, reminder.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, reminder.ErrInvalidDefinition):
		writeError(w, http.StatusBadRequest, "invalid_definition", err.Error())
	case reminder.IsDataError(err):
		writeError(w, http.StatusUnprocessableEntity, "invalid_case_data", err.Error())
	case errors.Is(err, scheduler.ErrBusy):
		writeError(w, http.StatusConflict, "busy", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		a.log.Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", validationMessage(err))
		return false
	}
	return true
}

func (a *api) healthz(w http.ResponseWriter, _ *http.Request) {
	if a.deps.Health != nil {
		if err := a.deps.Health(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) postCase(w http.ResponseWriter, r *http.Request) {
	var req caseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c := req.toCase()
	if err := a.deps.Engine.ObserveCase(r.Context(), c, a.deps.Now()); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "case_id": c.ID})
}

func (a *api) putUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !decodeBody(w, r, &req) {
		return
	}
	u := req.toUser(chi.URLParam(r, "id"))
	if err := a.deps.Users.Put(r.Context(), u); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// deleteUser removes the user and retires the reminders of the cases they own.
func (a *api) deleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.deps.Users.Delete(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.deps.Engine.ReconcileOwner(r.Context(), id, a.deps.Now()); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) postAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	at := a.deps.Now()
	if req.At != nil {
		at = req.At.UTC()
	}
	if err := a.deps.Engine.RecordAck(r.Context(), req.UserID, req.PhoneNumber, at); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "recorded", "user_id": req.UserID, "at": at})
}

func (a *api) listDefinitions(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "domain query parameter is required")
		return
	}
	defs, err := a.deps.Engine.DefinitionsFor(r.Context(), domain, r.URL.Query().Get("case_type"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"definitions": defs})
}

func (a *api) syncDefinitions(w http.ResponseWriter, r *http.Request) {
	if a.deps.Syncer == nil {
		writeError(w, http.StatusNotFound, "not_found", "no definitions file configured")
		return
	}
	res, err := a.deps.Syncer.Sync(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"result": res, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

func (a *api) getInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := a.deps.Audit.GetInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (a *api) listDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	rows, err := a.deps.Audit.RecentDeliveries(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []reminder.Delivery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": rows})
}

func (a *api) postTick(w http.ResponseWriter, r *http.Request) {
	if a.deps.Scheduler == nil {
		writeError(w, http.StatusNotFound, "not_found", "scheduler not available")
		return
	}
	rep, err := a.deps.Scheduler.RunOnce(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *api) getScheduler(w http.ResponseWriter, _ *http.Request) {
	if a.deps.Scheduler == nil {
		writeError(w, http.StatusNotFound, "not_found", "scheduler not available")
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Scheduler.Snapshot())
}
