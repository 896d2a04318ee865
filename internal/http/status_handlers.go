package http

import (
	"context"
	nethttp "net/http"
	"time"

	"go-detection-dashboard/internal/connectors/audit"
	"go-detection-dashboard/internal/connectors/detections"
	"go-detection-dashboard/internal/dashboard"
	"go-detection-dashboard/internal/live"
)

func servicesStatusHandler(client *detections.Client, poller *dashboard.Poller, store *audit.Store, hub *live.Hub) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 8*time.Second)
		defer cancel()

		payload := map[string]any{
			"generated_at": time.Now().UTC(),
			"services":     map[string]any{},
		}
		services := payload["services"].(map[string]any)

		services["detection_backend"] = backendStatus(ctx, client)
		services["poller"] = pollerStatus(poller)
		services["audit"] = auditStatus(ctx, store)
		if hub != nil {
			services["live"] = map[string]any{"enabled": true, "ok": true, "viewers": hub.ClientCount()}
		}

		writeJSON(w, nethttp.StatusOK, payload)
	}
}

func backendStatus(ctx context.Context, client *detections.Client) map[string]any {
	if client == nil || !client.Enabled() {
		return map[string]any{"enabled": false, "ok": false, "error": "detection backend not configured"}
	}

	start := time.Now()
	stats, err := client.Stats(ctx)
	elapsed := time.Since(start)
	recordBackendCall("stats_probe", elapsed.Seconds(), err)
	if err != nil {
		return map[string]any{"enabled": true, "ok": false, "endpoint": client.Endpoint(), "error": err.Error()}
	}
	return map[string]any{
		"enabled":    true,
		"ok":         true,
		"endpoint":   client.Endpoint(),
		"ping_ms":    elapsed.Milliseconds(),
		"stat_count": len(stats),
	}
}

func pollerStatus(poller *dashboard.Poller) map[string]any {
	if poller == nil {
		return map[string]any{"enabled": false, "ok": false}
	}
	st := poller.Status()
	return map[string]any{
		"enabled": true,
		"ok":      st.Running && st.LastError == "",
		"status":  st,
	}
}

func auditStatus(ctx context.Context, store *audit.Store) map[string]any {
	if store == nil {
		return map[string]any{"enabled": false, "ok": false, "error": "audit journal disabled"}
	}

	start := time.Now()
	err := store.Ping(ctx)
	recordDBQuery(store.Driver(), "Ping", time.Since(start).Seconds(), err)
	if err != nil {
		return map[string]any{"enabled": true, "ok": false, "driver": store.Driver(), "error": err.Error()}
	}
	return map[string]any{"enabled": true, "ok": true, "driver": store.Driver()}
}
