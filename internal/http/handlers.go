package http

import (
	"context"
	"encoding/json"
	"errors"
	nethttp "net/http"
	"strconv"
	"strings"
	"time"

	"go-detection-dashboard/internal/connectors/audit"
	"go-detection-dashboard/internal/dashboard"
)

type playRequest struct {
	Path string `json:"path"`
}

type deleteRequest struct {
	Name      string `json:"name"`
	Confirmed bool   `json:"confirmed"`
}

func snapshotHandler(dash *dashboard.Dashboard) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		writeJSON(w, nethttp.StatusOK, map[string]any{
			"data": map[string]any{
				"snapshot":    dash.Snapshot(),
				"now_playing": dash.NowPlaying(),
			},
		})
	}
}

func refreshHandler(dash *dashboard.Dashboard) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if err := dash.RefreshAll(r.Context()); err != nil {
			status := nethttp.StatusBadGateway
			if errors.Is(err, context.DeadlineExceeded) {
				status = nethttp.StatusGatewayTimeout
			}
			writeJSON(w, status, map[string]any{"error": "failed to refresh dashboard: " + err.Error()})
			return
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{"data": dash.Snapshot()})
	}
}

func playHandler(dash *dashboard.Dashboard) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var req playRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeJSON(w, nethttp.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
			return
		}
		if strings.TrimSpace(req.Path) == "" {
			writeJSON(w, nethttp.StatusBadRequest, map[string]any{"error": "path is required"})
			return
		}

		state := dash.Play(req.Path)
		writeJSON(w, nethttp.StatusOK, map[string]any{"data": state})
	}
}

// deleteHandler maps the browser's confirmation dialog answer onto the
// dashboard's Confirmer.
func deleteHandler(dash *dashboard.Dashboard) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var req deleteRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeJSON(w, nethttp.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			writeJSON(w, nethttp.StatusBadRequest, map[string]any{"error": "name is required"})
			return
		}

		confirmed := dashboard.ConfirmFunc(func(context.Context, string) bool { return req.Confirmed })
		out, err := dash.DeleteClip(r.Context(), req.Name, confirmed)
		if errors.Is(err, dashboard.ErrNotConfirmed) {
			writeJSON(w, nethttp.StatusOK, map[string]any{
				"data": map[string]any{"deleted": false, "reason": "not confirmed"},
			})
			return
		}
		if err != nil {
			writeJSON(w, nethttp.StatusBadGateway, map[string]any{"error": "failed to reach detection backend: " + err.Error()})
			return
		}

		writeJSON(w, nethttp.StatusOK, map[string]any{
			"data": map[string]any{
				"deleted": out.Result.Succeeded(),
				"outcome": out,
			},
		})
	}
}

func deletionsHandler(store *audit.Store, defaultLimit int) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if store == nil {
			writeJSON(w, nethttp.StatusServiceUnavailable, map[string]any{
				"error": "audit journal disabled (set APP_AUDIT_ENABLED=true)",
			})
			return
		}

		limit := parseLimit(r, defaultLimit)
		start := time.Now()
		items, err := store.RecentDeletions(r.Context(), limit)
		recordDBQuery(store.Driver(), "RecentDeletions", time.Since(start).Seconds(), err)
		if err != nil {
			writeJSON(w, nethttp.StatusInternalServerError, map[string]any{"error": "failed to fetch deletions"})
			return
		}

		writeJSON(w, nethttp.StatusOK, map[string]any{
			"meta": map[string]any{
				"limit": limit,
				"count": len(items),
			},
			"data": items,
		})
	}
}

func decodeJSON(w nethttp.ResponseWriter, r *nethttp.Request, v any) error {
	dec := json.NewDecoder(nethttp.MaxBytesReader(w, r.Body, 64*1024))
	return dec.Decode(v)
}

func parseLimit(r *nethttp.Request, def int) int {
	if def <= 0 {
		def = 50
	}
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	if v > 500 {
		return 500
	}
	return v
}
