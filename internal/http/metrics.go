package http

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

var (
	appStartedAtUnix = time.Now().Unix()
	inFlightRequests int64
	metricsMu        sync.Mutex
	httpSeries       = map[httpMetricKey]*httpMetricSeries{}
	dbQuerySeries    = map[dbMetricKey]*dbMetricSeries{}
	backendSeries    = map[backendMetricKey]*backendMetricSeries{}
	refreshSeries    = map[refreshMetricKey]*refreshMetricSeries{}
)

func metricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		metricsMu.Lock()
		keys := make([]httpMetricKey, 0, len(httpSeries))
		for k := range httpSeries {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].Method != keys[j].Method {
				return keys[i].Method < keys[j].Method
			}
			if keys[i].Path != keys[j].Path {
				return keys[i].Path < keys[j].Path
			}
			return keys[i].Status < keys[j].Status
		})
		snapshot := make([]struct {
			Key    httpMetricKey
			Series httpMetricSeries
		}, 0, len(keys))
		for _, k := range keys {
			snapshot = append(snapshot, struct {
				Key    httpMetricKey
				Series httpMetricSeries
			}{Key: k, Series: *httpSeries[k]})
		}

		dbKeys := make([]dbMetricKey, 0, len(dbQuerySeries))
		for k := range dbQuerySeries {
			dbKeys = append(dbKeys, k)
		}
		sort.Slice(dbKeys, func(i, j int) bool {
			if dbKeys[i].Driver != dbKeys[j].Driver {
				return dbKeys[i].Driver < dbKeys[j].Driver
			}
			return dbKeys[i].Operation < dbKeys[j].Operation
		})
		dbSnapshot := make([]struct {
			Key    dbMetricKey
			Series dbMetricSeries
		}, 0, len(dbKeys))
		for _, k := range dbKeys {
			dbSnapshot = append(dbSnapshot, struct {
				Key    dbMetricKey
				Series dbMetricSeries
			}{k, *dbQuerySeries[k]})
		}

		beKeys := make([]backendMetricKey, 0, len(backendSeries))
		for k := range backendSeries {
			beKeys = append(beKeys, k)
		}
		sort.Slice(beKeys, func(i, j int) bool { return beKeys[i].Operation < beKeys[j].Operation })
		beSnapshot := make([]struct {
			Key    backendMetricKey
			Series backendMetricSeries
		}, 0, len(beKeys))
		for _, k := range beKeys {
			beSnapshot = append(beSnapshot, struct {
				Key    backendMetricKey
				Series backendMetricSeries
			}{k, *backendSeries[k]})
		}

		refreshKeys := make([]refreshMetricKey, 0, len(refreshSeries))
		for k := range refreshSeries {
			refreshKeys = append(refreshKeys, k)
		}
		sort.Slice(refreshKeys, func(i, j int) bool { return refreshKeys[i].Status < refreshKeys[j].Status })
		refreshSnapshot := make([]struct {
			Key    refreshMetricKey
			Series refreshMetricSeries
		}, 0, len(refreshKeys))
		for _, k := range refreshKeys {
			refreshSnapshot = append(refreshSnapshot, struct {
				Key    refreshMetricKey
				Series refreshMetricSeries
			}{k, *refreshSeries[k]})
		}
		metricsMu.Unlock()

		_, _ = fmt.Fprintln(w, "# HELP detection_dashboard_http_requests_total Total HTTP requests handled by this app.")
		_, _ = fmt.Fprintln(w, "# TYPE detection_dashboard_http_requests_total counter")
		for _, it := range snapshot {
			_, _ = fmt.Fprintf(w, "detection_dashboard_http_requests_total{method=%q,path=%q,status=%q} %d\n",
				escapeLabel(it.Key.Method), escapeLabel(it.Key.Path), escapeLabel(it.Key.Status), it.Series.Count)
		}
		_, _ = fmt.Fprintln(w, "# HELP detection_dashboard_http_request_duration_seconds_sum Total duration in seconds for observed requests.")
		_, _ = fmt.Fprintln(w, "# TYPE detection_dashboard_http_request_duration_seconds_sum counter")
		for _, it := range snapshot {
			_, _ = fmt.Fprintf(w, "detection_dashboard_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %.9f\n",
				escapeLabel(it.Key.Method), escapeLabel(it.Key.Path), escapeLabel(it.Key.Status), it.Series.DurationSecondsSum)
		}
		_, _ = fmt.Fprintln(w, "# HELP detection_dashboard_http_in_flight_requests In-flight HTTP requests currently served by this app.")
		_, _ = fmt.Fprintln(w, "# TYPE detection_dashboard_http_in_flight_requests gauge")
		_, _ = fmt.Fprintf(w, "detection_dashboard_http_in_flight_requests %d\n", atomic.LoadInt64(&inFlightRequests))

		_, _ = fmt.Fprintln(w, "# HELP detection_dashboard_backend_call_duration_seconds_sum Detection backend call duration sum in seconds by operation.")
		_, _ = fmt.Fprintln(w, "# TYPE detection_dashboard_backend_call_duration_seconds_sum counter")
		for _, it := range beSnapshot {
			_, _ = fmt.Fprintf(w, "detection_dashboard_backend_call_duration_seconds_sum{operation=%q} %.9f\n",
				escapeLabel(it.Key.Operation), it.Series.DurationSecondsSum)
		}
		_, _ = fmt.Fprintln(w, "# HELP detection_dashboard_backend_call_duration_seconds_count Detection backend call count by operation.")
		_, _ = fmt.Fprintln(w, "# TYPE detection_dashboard_backend_call_duration_seconds_count counter")
		for _, it := range beSnapshot {
			_, _ = fmt.Fprintf(w, "detection_dashboard_backend_call_duration_seconds_count{operation=%q} %d\n",
				escapeLabel(it.Key.Operation), it.Series.Count)
		}
		_, _ = fmt.Fprintln(w, "# HELP detection_dashboard_backend_call_errors_total Detection backend call errors by operation.")
		_, _ = fmt.Fprintln(w, "# TYPE detection_dashboard_backend_call_errors_total counter")
		for _, it := range beSnapshot {
			_, _ = fmt.Fprintf(w, "detection_dashboard_backend_call_errors_total{operation=%q} %d\n",
				escapeLabel(it.Key.Operation), it.Series.Errors)
		}

		_, _ = fmt.Fprintln(w, "# HELP detection_dashboard_refresh_cycles_total Refresh cycles by status.")
		_, _ = fmt.Fprintln(w, "# TYPE detection_dashboard_refresh_cycles_total counter")
		for _, it := range refreshSnapshot {
			_, _ = fmt.Fprintf(w, "detection_dashboard_refresh_cycles_total{status=%q} %d\n", escapeLabel(it.Key.Status), it.Series.Count)
		}
		_, _ = fmt.Fprintln(w, "# HELP detection_dashboard_refresh_duration_seconds_sum Refresh cycle duration sum in seconds by status.")
		_, _ = fmt.Fprintln(w, "# TYPE detection_dashboard_refresh_duration_seconds_sum counter")
		for _, it := range refreshSnapshot {
			_, _ = fmt.Fprintf(w, "detection_dashboard_refresh_duration_seconds_sum{status=%q} %.9f\n", escapeLabel(it.Key.Status), it.Series.DurationSecondsSum)
		}

		_, _ = fmt.Fprintln(w, "# HELP detection_dashboard_db_query_duration_seconds_sum Audit journal query duration sum in seconds by driver/operation.")
		_, _ = fmt.Fprintln(w, "# TYPE detection_dashboard_db_query_duration_seconds_sum counter")
		for _, it := range dbSnapshot {
			_, _ = fmt.Fprintf(w, "detection_dashboard_db_query_duration_seconds_sum{driver=%q,operation=%q} %.9f\n",
				escapeLabel(it.Key.Driver), escapeLabel(it.Key.Operation), it.Series.DurationSecondsSum)
		}
		_, _ = fmt.Fprintln(w, "# HELP detection_dashboard_db_query_errors_total Audit journal query errors by driver/operation.")
		_, _ = fmt.Fprintln(w, "# TYPE detection_dashboard_db_query_errors_total counter")
		for _, it := range dbSnapshot {
			_, _ = fmt.Fprintf(w, "detection_dashboard_db_query_errors_total{driver=%q,operation=%q} %d\n",
				escapeLabel(it.Key.Driver), escapeLabel(it.Key.Operation), it.Series.Errors)
		}

		uptime := time.Now().Unix() - appStartedAtUnix
		_, _ = fmt.Fprintln(w, "# HELP detection_dashboard_uptime_seconds Process uptime in seconds.")
		_, _ = fmt.Fprintln(w, "# TYPE detection_dashboard_uptime_seconds gauge")
		_, _ = fmt.Fprintf(w, "detection_dashboard_uptime_seconds %d\n", uptime)

		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		_, _ = fmt.Fprintln(w, "# HELP detection_dashboard_runtime_goroutines Number of goroutines.")
		_, _ = fmt.Fprintln(w, "# TYPE detection_dashboard_runtime_goroutines gauge")
		_, _ = fmt.Fprintf(w, "detection_dashboard_runtime_goroutines %d\n", runtime.NumGoroutine())
		_, _ = fmt.Fprintln(w, "# HELP detection_dashboard_runtime_memory_alloc_bytes Heap allocation bytes.")
		_, _ = fmt.Fprintln(w, "# TYPE detection_dashboard_runtime_memory_alloc_bytes gauge")
		_, _ = fmt.Fprintf(w, "detection_dashboard_runtime_memory_alloc_bytes %d\n", ms.Alloc)

		if cpuSec, ok := processCPUSeconds(); ok {
			_, _ = fmt.Fprintln(w, "# HELP detection_dashboard_runtime_cpu_seconds_total Total CPU time consumed by this process in seconds.")
			_, _ = fmt.Fprintln(w, "# TYPE detection_dashboard_runtime_cpu_seconds_total counter")
			_, _ = fmt.Fprintf(w, "detection_dashboard_runtime_cpu_seconds_total %.6f\n", cpuSec)
		}
		if rss, ok := processResidentBytes(); ok {
			_, _ = fmt.Fprintln(w, "# HELP detection_dashboard_runtime_resident_memory_bytes Resident set size of this process.")
			_, _ = fmt.Fprintln(w, "# TYPE detection_dashboard_runtime_resident_memory_bytes gauge")
			_, _ = fmt.Fprintf(w, "detection_dashboard_runtime_resident_memory_bytes %d\n", rss)
		}
	})
}

func appMetricsSummaryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		type endpointRow struct {
			Method  string  `json:"method"`
			Path    string  `json:"path"`
			Status  string  `json:"status"`
			Count   uint64  `json:"count"`
			AvgMS   float64 `json:"avg_ms"`
			TotalMS float64 `json:"total_ms"`
		}
		type backendRow struct {
			Operation string  `json:"operation"`
			Count     uint64  `json:"count"`
			Errors    uint64  `json:"errors"`
			AvgMS     float64 `json:"avg_ms"`
		}

		metricsMu.Lock()
		httpRows := make([]endpointRow, 0, len(httpSeries))
		for k, s := range httpSeries {
			avg := 0.0
			if s.Count > 0 {
				avg = (s.DurationSecondsSum / float64(s.Count)) * 1000.0
			}
			httpRows = append(httpRows, endpointRow{
				Method:  k.Method,
				Path:    k.Path,
				Status:  k.Status,
				Count:   s.Count,
				AvgMS:   avg,
				TotalMS: s.DurationSecondsSum * 1000.0,
			})
		}

		backendRows := make([]backendRow, 0, len(backendSeries))
		backendErrors := uint64(0)
		for k, s := range backendSeries {
			avg := 0.0
			if s.Count > 0 {
				avg = (s.DurationSecondsSum / float64(s.Count)) * 1000.0
			}
			backendRows = append(backendRows, backendRow{
				Operation: k.Operation,
				Count:     s.Count,
				Errors:    s.Errors,
				AvgMS:     avg,
			})
			backendErrors += s.Errors
		}

		refreshes := map[string]uint64{}
		for k, s := range refreshSeries {
			refreshes[k.Status] = s.Count
		}

		dbErrors := uint64(0)
		for _, s := range dbQuerySeries {
			dbErrors += s.Errors
		}
		metricsMu.Unlock()

		sort.Slice(httpRows, func(i, j int) bool { return httpRows[i].AvgMS > httpRows[j].AvgMS })
		sort.Slice(backendRows, func(i, j int) bool { return backendRows[i].AvgMS > backendRows[j].AvgMS })

		topHTTP := httpRows
		if len(topHTTP) > 5 {
			topHTTP = topHTTP[:5]
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"meta": map[string]any{
				"generated_at": time.Now().UTC(),
			},
			"data": map[string]any{
				"top_http_slowest_avg_ms": topHTTP,
				"backend_calls":           backendRows,
				"refresh_cycles":          refreshes,
				"errors": map[string]any{
					"backend_call_total": backendErrors,
					"db_query_total":     dbErrors,
				},
			},
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func observabilityMiddleware(clipRoute string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		atomic.AddInt64(&inFlightRequests, 1)
		defer atomic.AddInt64(&inFlightRequests, -1)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := normalizeMetricPath(r.URL.Path, clipRoute)
		sec := time.Since(start).Seconds()
		recordHTTPMetric(r.Method, route, rec.status, sec)
	})
}

// normalizeMetricPath collapses per-clip media paths under clipRoute into
// one series.
func normalizeMetricPath(path, clipRoute string) string {
	if clipRoute == "" {
		clipRoute = "/clips/"
	}
	if strings.HasPrefix(path, clipRoute) {
		return clipRoute + "{path}"
	}
	return path
}

// observeDashboard receives timings from the dashboard: "refresh" for a whole
// cycle, anything else for a single backend call.
func observeDashboard(op string, elapsed time.Duration, err error) {
	if op == "refresh" {
		status := "ok"
		if err != nil {
			status = "error"
		}
		recordRefreshCycle(status, elapsed.Seconds())
		return
	}
	recordBackendCall(op, elapsed.Seconds(), err)
}

type httpMetricKey struct {
	Method string
	Path   string
	Status string
}

type httpMetricSeries struct {
	Count              uint64
	DurationSecondsSum float64
}

type dbMetricKey struct {
	Driver    string
	Operation string
}

type dbMetricSeries struct {
	Count              uint64
	Errors             uint64
	DurationSecondsSum float64
}

type backendMetricKey struct {
	Operation string
}

type backendMetricSeries struct {
	Count              uint64
	Errors             uint64
	DurationSecondsSum float64
}

type refreshMetricKey struct {
	Status string
}

type refreshMetricSeries struct {
	Count              uint64
	DurationSecondsSum float64
}

func recordHTTPMetric(method, path string, status int, durationSeconds float64) {
	key := httpMetricKey{
		Method: method,
		Path:   path,
		Status: strconv.Itoa(status),
	}
	metricsMu.Lock()
	defer metricsMu.Unlock()
	row, ok := httpSeries[key]
	if !ok {
		row = &httpMetricSeries{}
		httpSeries[key] = row
	}
	row.Count++
	row.DurationSecondsSum += durationSeconds
}

func recordDBQuery(driver, operation string, durationSeconds float64, err error) {
	if driver == "" || operation == "" {
		return
	}
	key := dbMetricKey{Driver: driver, Operation: operation}
	metricsMu.Lock()
	defer metricsMu.Unlock()
	row, ok := dbQuerySeries[key]
	if !ok {
		row = &dbMetricSeries{}
		dbQuerySeries[key] = row
	}
	row.Count++
	row.DurationSecondsSum += durationSeconds
	if err != nil {
		row.Errors++
	}
}

func recordBackendCall(operation string, durationSeconds float64, err error) {
	if operation == "" {
		return
	}
	key := backendMetricKey{Operation: operation}
	metricsMu.Lock()
	defer metricsMu.Unlock()
	row, ok := backendSeries[key]
	if !ok {
		row = &backendMetricSeries{}
		backendSeries[key] = row
	}
	row.Count++
	row.DurationSecondsSum += durationSeconds
	if err != nil {
		row.Errors++
	}
}

func recordRefreshCycle(status string, durationSeconds float64) {
	status = strings.TrimSpace(strings.ToLower(status))
	if status == "" {
		status = "unknown"
	}
	key := refreshMetricKey{Status: status}
	metricsMu.Lock()
	defer metricsMu.Unlock()
	row, ok := refreshSeries[key]
	if !ok {
		row = &refreshMetricSeries{}
		refreshSeries[key] = row
	}
	row.Count++
	row.DurationSecondsSum += durationSeconds
}

func escapeLabel(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return v
}

func processCPUSeconds() (float64, bool) {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0, false
	}
	user := float64(ru.Utime.Sec) + (float64(ru.Utime.Usec) / 1_000_000.0)
	sys := float64(ru.Stime.Sec) + (float64(ru.Stime.Usec) / 1_000_000.0)
	return user + sys, true
}

// processResidentBytes reads VmRSS from /proc; false on other platforms.
func processResidentBytes() (uint64, bool) {
	b, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(b), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "VmRSS:"))
		if len(fields) == 0 {
			return 0, false
		}
		kb, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}
