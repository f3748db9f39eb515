package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/atagmqtt/internal/atag"
	"github.com/nerrad567/atagmqtt/internal/bridge"
	"github.com/nerrad567/atagmqtt/internal/journal"
	"github.com/nerrad567/atagmqtt/internal/properties"
)

// healthCheckTimeout bounds each component check in /health.
const healthCheckTimeout = 2 * time.Second

// PropertyView is one property as served by the API.
type PropertyView struct {
	Key      string          `json:"key"`
	Name     string          `json:"name"`
	Datatype properties.Kind `json:"datatype"`
	Unit     string          `json:"unit,omitempty"`
	Format   string          `json:"format,omitempty"`
	Settable bool            `json:"settable"`
	Value    string          `json:"value"`
	Known    bool            `json:"known"`
}

// SetPropertyRequest is the body of PUT /properties/{node}/{property}.
type SetPropertyRequest struct {
	Value string `json:"value"`
}

// handleHealth reports the bridge state and every configured component.
// Any failing component turns the response into a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.checks))
	healthy := true

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := s.checks[name].HealthCheck(ctx)
		cancel()
		if err != nil {
			healthy = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": s.version,
		"bridge":  s.bridge.Status().State,
		"checks":  checks,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Status())
}

// handleListProperties returns every property in presentation order.
// Properties the appliance has not reported yet have known=false.
func (s *Server) handleListProperties(w http.ResponseWriter, _ *http.Request) {
	state := s.bridge.Properties()
	limits := s.bridge.Limits()
	specs := properties.Specs()

	out := make([]PropertyView, 0, len(specs))
	for _, spec := range specs {
		out = append(out, propertyView(spec, state, limits))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"properties": out,
		"count":      len(out),
	})
}

func (s *Server) handleGetProperty(w http.ResponseWriter, r *http.Request) {
	spec, ok := lookupProperty(r)
	if !ok {
		writeNotFound(w, "property not found")
		return
	}
	writeJSON(w, http.StatusOK, propertyView(spec, s.bridge.Properties(), s.bridge.Limits()))
}

// handleSetProperty queues a property write and answers 202 with its task id.
// The value itself is validated by the task; its outcome lands in the journal.
func (s *Server) handleSetProperty(w http.ResponseWriter, r *http.Request) {
	spec, ok := lookupProperty(r)
	if !ok {
		writeNotFound(w, "property not found")
		return
	}
	if !spec.Settable {
		writeBadRequest(w, "property is read-only")
		return
	}

	var req SetPropertyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Value == "" {
		writeBadRequest(w, "value is required")
		return
	}

	taskID, err := s.bridge.HandleCommand(spec.Key(), req.Value)
	switch {
	case errors.Is(err, bridge.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "too many commands")
		return
	case errors.Is(err, bridge.ErrStopped):
		writeUnavailable(w, "bridge is stopped")
		return
	case err != nil:
		s.logger.Error("failed to queue command", "property", spec.Key(), "error", err)
		writeInternalError(w, "failed to queue command")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id":  taskID,
		"property": spec.Key(),
		"value":    req.Value,
	})
}

// handleListJournal returns journal entries, most recent first.
//
// Query parameters:
//   - kind: transition or command
//   - limit: max results (default 50, max 500)
//   - offset: pagination offset
func (s *Server) handleListJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeUnavailable(w, "journal not configured")
		return
	}

	q := r.URL.Query()
	filter := journal.Filter{Kind: journal.Kind(q.Get("kind"))}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	result, err := s.journal.List(r.Context(), filter)
	if errors.Is(err, journal.ErrInvalidKind) {
		writeBadRequest(w, "kind must be transition or command")
		return
	}
	if err != nil {
		s.logger.Error("failed to list journal", "error", err)
		writeInternalError(w, "failed to list journal")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func lookupProperty(r *http.Request) (properties.Spec, bool) {
	return properties.Lookup(chi.URLParam(r, "node") + "/" + chi.URLParam(r, "property"))
}

func propertyView(spec properties.Spec, state properties.State, limits atag.Limits) PropertyView {
	value, known := state[spec.Key()]
	return PropertyView{
		Key:      spec.Key(),
		Name:     spec.Name,
		Datatype: spec.Kind,
		Unit:     spec.UnitFor(limits),
		Format:   spec.Format(limits),
		Settable: spec.Settable,
		Value:    value,
		Known:    known,
	}
}
