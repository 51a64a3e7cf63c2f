package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"codemode-runtime/internal/capability"
	"codemode-runtime/internal/facade"
	"codemode-runtime/internal/storage"
	"codemode-runtime/internal/store"
)

// Executor is the part of *facade.Runtime the handlers use.
type Executor interface {
	Run(ctx context.Context, code string, opts facade.Options) facade.Result
	Capabilities() []facade.Capability
	Describe(name string) (capability.Module, error)
	Backend() string
}

// AuditLog reads the execution audit log. *storage.DB satisfies it.
type AuditLog interface {
	GetExecution(ctx context.Context, id string) (*storage.Execution, error)
	ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error)
	Healthy(ctx context.Context) bool
}

type Handlers struct {
	runtime Executor
	store   *store.Store
	audit   AuditLog
}

// NewHandlers wires the routes' dependencies. store and audit may be nil;
// their routes then answer 503.
func NewHandlers(runtime Executor, st *store.Store, audit AuditLog) *Handlers {
	return &Handlers{runtime: runtime, store: st, audit: audit}
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	opts := req.Options
	opts.RequestIP = clientIP(r)

	result := h.runtime.Run(r.Context(), req.Code, opts)

	status := http.StatusOK
	if result.Error == facade.ErrCodeInvalidRequest {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, result)
}

func (h *Handlers) HandleListCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.runtime.Capabilities())
}

func (h *Handlers) HandleDescribeCapability(w http.ResponseWriter, r *http.Request) {
	m, err := h.runtime.Describe(r.PathValue("module"))
	if err != nil {
		writeError(w, err.Error(), "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}
	sessions, err := h.store.ListSessions(r.Context())
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}
	sess, err := h.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handlers) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}
	if err := h.store.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		h.storeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleListSkills(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}
	skills, err := h.store.ListSkills(r.Context())
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, skills)
}

func (h *Handlers) HandleGetSkill(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}
	sk, err := h.store.LoadSkill(r.Context(), r.PathValue("name"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sk)
}

func (h *Handlers) HandleDeleteSkill(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w, r) {
		return
	}
	if err := h.store.DeleteSkill(r.Context(), r.PathValue("name")); err != nil {
		h.storeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) requireStore(w http.ResponseWriter, r *http.Request) bool {
	if h.store == nil {
		writeError(w, "session store not configured", "STORE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return false
	}
	return true
}

func (h *Handlers) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidKey):
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
	case errors.Is(err, store.ErrSessionNotFound), errors.Is(err, store.ErrSkillNotFound):
		writeError(w, err.Error(), "NOT_FOUND", http.StatusNotFound, r)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("store operation failed")
		writeError(w, "store operation failed", "INTERNAL", http.StatusInternalServerError, r)
	}
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.audit == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	exec, err := h.audit.GetExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		log.Error().Err(err).Str("exec_id", id).Msg("audit lookup failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	filter := storage.ExecutionFilter{
		Backend:   q.Get("backend"),
		ErrorCode: q.Get("error"),
		Limit:     100,
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &filter.Limit}, {"offset", &filter.Offset}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, p.name+" must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		*p.dst = n
	}

	execs, err := h.audit.ListExecutions(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("audit query failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, execs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
