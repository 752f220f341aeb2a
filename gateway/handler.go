package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/c360/orgmap/errors"
	"github.com/c360/orgmap/mapservice"
	"github.com/c360/orgmap/types/graph"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

// writeError maps the error taxonomy onto status codes: invalid input is
// 400, not-found 404 (without distinguishing absent from cross-tenant),
// transient store failure 503, everything else 500. Internal details never
// reach the body on 5xx.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.IsInvalid(err):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.IsNotFound(err):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.IsTransient(err):
		w.Header().Set("Retry-After", "1")
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "temporarily unavailable"})
	default:
		s.logger.Error("request failed",
			"path", r.URL.Path,
			"request_id", requestID(r.Context()),
			"error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (s *Server) handleGetMap(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(TenantHeader)
	if tenantID == "" {
		s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing tenant context"})
		return
	}

	if !s.limiter(tenantID).Allow() {
		w.Header().Set("Retry-After", "1")
		s.writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
		return
	}

	var req mapservice.Request
	var err error
	if r.Method == http.MethodPost {
		err = decodeBodyRequest(r, &req)
	} else {
		err = decodeQueryRequest(r, &req)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req.TenantID = tenantID

	data, err := s.service.GetMap(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, data)
}

func decodeBodyRequest(r *http.Request, req *mapservice.Request) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(req); err != nil {
		return errors.WrapInvalid(err, "gateway", "decodeBodyRequest", "malformed request body")
	}
	return nil
}

func badParam(name string) error {
	return errors.WrapInvalid(nil, "gateway", "decodeQueryRequest", "malformed parameter "+name)
}

func queryFloat(values map[string][]string, name string) (float64, bool, error) {
	raw, ok := values[name]
	if !ok || len(raw) == 0 || raw[0] == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(raw[0], 64)
	if err != nil {
		return 0, false, badParam(name)
	}
	return v, true, nil
}

func queryInt(values map[string][]string, name string) (int, error) {
	raw, ok := values[name]
	if !ok || len(raw) == 0 || raw[0] == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw[0])
	if err != nil {
		return 0, badParam(name)
	}
	return v, nil
}

// decodeQueryRequest parses the GET form of the map request. Coordinates
// arrive as individual parameters; filters as comma-separated lists.
func decodeQueryRequest(r *http.Request, req *mapservice.Request) error {
	values := r.URL.Query()

	req.Mode = mapservice.Mode(values.Get("mode"))
	req.Cursor = values.Get("cursor")

	var err error
	if req.Limit, err = queryInt(values, "limit"); err != nil {
		return err
	}
	if req.Depth, err = queryInt(values, "depth"); err != nil {
		return err
	}
	if req.MaxNodes, err = queryInt(values, "max_nodes"); err != nil {
		return err
	}

	coords := map[string]*float64{}
	for _, name := range []string{"min_x", "min_y", "max_x", "max_y", "cx", "cy", "r"} {
		v, ok, err := queryFloat(values, name)
		if err != nil {
			return err
		}
		if ok {
			coords[name] = &v
		}
	}

	if coords["min_x"] != nil || coords["max_x"] != nil || coords["min_y"] != nil || coords["max_y"] != nil {
		for _, name := range []string{"min_x", "min_y", "max_x", "max_y"} {
			if coords[name] == nil {
				return badParam(name)
			}
		}
		req.Viewport = &mapservice.Viewport{
			MinX: *coords["min_x"], MinY: *coords["min_y"],
			MaxX: *coords["max_x"], MaxY: *coords["max_y"],
		}
	}
	if coords["cx"] != nil || coords["cy"] != nil || coords["r"] != nil {
		for _, name := range []string{"cx", "cy", "r"} {
			if coords[name] == nil {
				return badParam(name)
			}
		}
		req.Radius = &mapservice.Radius{CX: *coords["cx"], CY: *coords["cy"], R: *coords["r"]}
	}

	if start := values.Get("start_node"); start != "" {
		req.StartNode = &mapservice.StartNode{
			ID:   start,
			Kind: graph.NodeKind(values.Get("start_type")),
		}
	}

	var filters graph.Filters
	if raw := values.Get("node_types"); raw != "" {
		for _, kind := range strings.Split(raw, ",") {
			filters.NodeKinds = append(filters.NodeKinds, graph.NodeKind(strings.TrimSpace(kind)))
		}
	}
	if raw := values.Get("relationship_types"); raw != "" {
		for _, label := range strings.Split(raw, ",") {
			filters.EdgeLabels = append(filters.EdgeLabels, strings.TrimSpace(label))
		}
	}
	if len(filters.NodeKinds) > 0 || len(filters.EdgeLabels) > 0 {
		req.Filters = &filters
	}

	return nil
}

// handleHealth reports the aggregate system status: 200 when healthy or
// degraded, 503 when unhealthy. Without a monitor it is a bare liveness
// probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	aggregate := s.monitor.Snapshot(r.Context(), "orgmap")
	status := http.StatusOK
	if aggregate.IsUnhealthy() {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, aggregate)
}
