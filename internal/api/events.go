package api

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/haven-ai/toolforge/internal/audit"
)

// handleListOwnEvents serves the authenticated principal's own events.
func (d *Dependencies) handleListOwnEvents(w http.ResponseWriter, r *http.Request) {
	pc := principalFromContext(r.Context())
	f := filterFromQuery(r.URL.Query())
	f.Principal = pc.PrincipalID
	d.listEvents(w, r, f)
}

// handleListEvents serves the operator query path across all principals.
func (d *Dependencies) handleListEvents(w http.ResponseWriter, r *http.Request) {
	d.listEvents(w, r, filterFromQuery(r.URL.Query()))
}

func (d *Dependencies) listEvents(w http.ResponseWriter, r *http.Request, f audit.Filter) {
	events, err := d.Service.QuerySecurityEvents(r.Context(), f)
	if err != nil {
		d.Logger.Error("failed to list events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list events"})
		return
	}

	resp := EventListResp{
		Events:   make([]SecurityEventResp, 0, len(events)),
		Page:     f.Offset/f.Limit + 1,
		PageSize: f.Limit,
	}
	for _, e := range events {
		resp.Events = append(resp.Events, SecurityEventResp{
			ID:        e.ID,
			RequestID: e.RequestID,
			Type:      string(e.Type),
			ToolID:    e.ToolID,
			Principal: e.Principal,
			Excerpt:   e.Excerpt,
			Detail:    e.Detail,
			Severity:  string(e.Severity),
			Timestamp: e.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	flags, err := d.Service.Anomalies(r.Context(), q.Get("principal_id"), queryInt(q, "limit", 100))
	if err != nil {
		d.Logger.Error("failed to list anomalies", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list anomalies"})
		return
	}

	out := make([]AnomalyResp, 0, len(flags))
	for _, f := range flags {
		out = append(out, AnomalyResp{
			ID:         f.ID,
			Principal:  f.Principal,
			ToolID:     f.ToolID,
			Rule:       f.Rule,
			Detail:     f.Detail,
			Confidence: f.Confidence,
			Timestamp:  f.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (d *Dependencies) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	if d.Analytics == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	result, err := d.Analytics.Analytics(r.Context(), queryInt(r.URL.Query(), "days", 7))
	if err != nil {
		d.Logger.Error("failed to compute analytics", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to compute analytics"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func filterFromQuery(q url.Values) audit.Filter {
	page := queryInt(q, "page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := queryInt(q, "page_size", 50)
	if pageSize > 200 {
		pageSize = 200
	}
	if pageSize < 1 {
		pageSize = 50
	}

	f := audit.Filter{
		Principal: q.Get("principal_id"),
		ToolID:    q.Get("tool_id"),
		Limit:     pageSize,
		Offset:    (page - 1) * pageSize,
	}
	if v := q.Get("event_type"); v != "" {
		for _, t := range strings.Split(v, ",") {
			f.Types = append(f.Types, audit.EventType(strings.TrimSpace(t)))
		}
	}
	if v := q.Get("min_severity"); v != "" {
		f.MinSeverity = audit.Severity(v)
	}
	if v := q.Get("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Start = &t
		}
	}
	if v := q.Get("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.End = &t
		}
	}
	return f
}

func queryInt(q url.Values, key string, def int) int {
	v := q.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
