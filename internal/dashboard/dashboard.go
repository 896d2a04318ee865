// Package dashboard fetches detection logs, clips and stats from the backend,
// renders them into three display regions, and drives clip playback and
// deletion.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"go-detection-dashboard/internal/connectors/audit"
	"go-detection-dashboard/internal/connectors/detections"
)

// ErrNotConfirmed is returned when the user declines a deletion. Nothing was sent.
var ErrNotConfirmed = errors.New("deletion not confirmed")

// Backend is the detection API the dashboard reads from.
type Backend interface {
	Logs(ctx context.Context) ([]detections.LogEntry, error)
	Clips(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (detections.Stats, error)
	DeleteClip(ctx context.Context, name string) (*detections.DeleteResult, error)
}

// AuditRecorder journals deletions.
type AuditRecorder interface {
	RecordDeletion(ctx context.Context, d audit.Deletion) (audit.Deletion, error)
}

// Confirmer asks the user whether a clip should really be deleted.
type Confirmer interface {
	Confirm(ctx context.Context, path string) bool
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, path string) bool

func (f ConfirmFunc) Confirm(ctx context.Context, path string) bool { return f(ctx, path) }

// Options configures a Dashboard.
type Options struct {
	// ClipRoute prefixes clip paths to form media URLs. Default "/clips/".
	ClipRoute string
	Logger    *slog.Logger
	Audit     AuditRecorder
	// Observe, when set, is called after every backend call and refresh cycle.
	Observe func(op string, elapsed time.Duration, err error)
	Now     func() time.Time
}

// Event types published to subscribers.
const (
	EventRegions = "regions"
	EventPlay    = "play"
)

// Event is published after every re-render and every play request.
type Event struct {
	Type     string     `json:"type"`
	Snapshot *Snapshot  `json:"snapshot,omitempty"`
	Play     *PlayState `json:"play,omitempty"`
}

// Snapshot is the rendered content of all regions.
type Snapshot struct {
	Version    uint64    `json:"version"`
	RenderedAt time.Time `json:"rendered_at"`
	Logs       string    `json:"logs"`
	Clips      string    `json:"clips"`
	Stats      string    `json:"stats"`
	LogCount   int       `json:"log_count"`
	ClipCount  int       `json:"clip_count"`
	StatCount  int       `json:"stat_count"`
}

// PlayState describes what the shared media element is pointed at.
type PlayState struct {
	Path       string    `json:"path"`
	Src        string    `json:"src"`
	Generation uint64    `json:"generation"`
	StartedAt  time.Time `json:"started_at"`
}

// DeleteOutcome reports a confirmed deletion and the refresh that followed it.
type DeleteOutcome struct {
	Clip         string                   `json:"clip"`
	Result       *detections.DeleteResult `json:"result"`
	Refreshed    bool                     `json:"refreshed"`
	RefreshError string                   `json:"refresh_error,omitempty"`
}

// Dashboard owns the three display regions and the shared player.
type Dashboard struct {
	backend   Backend
	clipRoute string
	logger    *slog.Logger
	audit     AuditRecorder
	observe   func(op string, elapsed time.Duration, err error)
	now       func() time.Time

	mu         sync.RWMutex
	logs       Region
	clips      Region
	stats      Region
	version    uint64
	renderedAt time.Time
	player     PlayState

	subMu   sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

// New creates a Dashboard with empty regions.
func New(backend Backend, opts Options) *Dashboard {
	route := strings.TrimSpace(opts.ClipRoute)
	if route == "" {
		route = "/clips/"
	}
	if !strings.HasSuffix(route, "/") {
		route += "/"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Dashboard{
		backend:   backend,
		clipRoute: route,
		logger:    logger,
		audit:     opts.Audit,
		observe:   opts.Observe,
		now:       now,
		subs:      make(map[int]func(Event)),
	}
}

// RefreshAll fetches logs, clips and stats concurrently and, only when all
// three succeed, replaces every region. On failure the regions are untouched.
func (d *Dashboard) RefreshAll(ctx context.Context) error {
	start := time.Now()

	var (
		logs  []detections.LogEntry
		clips []string
		stats detections.Stats
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		logs, err = timed(d, "logs", func() ([]detections.LogEntry, error) { return d.backend.Logs(gctx) })
		return err
	})
	g.Go(func() error {
		var err error
		clips, err = timed(d, "clips", func() ([]string, error) { return d.backend.Clips(gctx) })
		return err
	})
	g.Go(func() error {
		var err error
		stats, err = timed(d, "stats", func() (detections.Stats, error) { return d.backend.Stats(gctx) })
		return err
	})
	if err := g.Wait(); err != nil {
		d.record("refresh", time.Since(start), err)
		return fmt.Errorf("refresh: %w", err)
	}

	logRegion := newRegion(RenderLogRows(logs))
	clipRegion := newRegion(RenderClipList(clips))
	statRegion := newRegion(RenderStatsList(stats))

	d.mu.Lock()
	d.logs, d.clips, d.stats = logRegion, clipRegion, statRegion
	d.version++
	d.renderedAt = d.now().UTC()
	snap := d.snapshotLocked()
	d.mu.Unlock()

	d.record("refresh", time.Since(start), nil)
	d.publish(Event{Type: EventRegions, Snapshot: &snap})
	return nil
}

// Snapshot returns the current rendered state.
func (d *Dashboard) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshotLocked()
}

// Regions returns the current log, clip and stats regions.
func (d *Dashboard) Regions() (logs, clips, stats Region) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.logs, d.clips, d.stats
}

func (d *Dashboard) snapshotLocked() Snapshot {
	return Snapshot{
		Version:    d.version,
		RenderedAt: d.renderedAt,
		Logs:       d.logs.Markup(),
		Clips:      d.clips.Markup(),
		Stats:      d.stats.Markup(),
		LogCount:   d.logs.Len(),
		ClipCount:  d.clips.Len(),
		StatCount:  d.stats.Len(),
	}
}

// Play points the shared player at path, interrupting whatever was playing.
func (d *Dashboard) Play(path string) PlayState {
	d.mu.Lock()
	d.player = PlayState{
		Path:       path,
		Src:        d.MediaURL(path),
		Generation: d.player.Generation + 1,
		StartedAt:  d.now().UTC(),
	}
	state := d.player
	d.mu.Unlock()

	d.logger.Debug("dashboard: play", "path", path, "generation", state.Generation)
	d.publish(Event{Type: EventPlay, Play: &state})
	return state
}

// NowPlaying returns the player state; Generation is zero before the first Play.
func (d *Dashboard) NowPlaying() PlayState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.player
}

// MediaURL joins the clip route with path, escaping each segment.
func (d *Dashboard) MediaURL(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return d.clipRoute + strings.Join(parts, "/")
}

// DeleteClip asks confirm first; a declined deletion sends nothing and returns
// ErrNotConfirmed. Once the backend answers, the dashboard refreshes whatever
// the answer was. A transport failure aborts before the refresh.
func (d *Dashboard) DeleteClip(ctx context.Context, path string, confirm Confirmer) (*DeleteOutcome, error) {
	if confirm == nil || !confirm.Confirm(ctx, path) {
		return nil, ErrNotConfirmed
	}

	res, err := timed(d, "delete_clip", func() (*detections.DeleteResult, error) { return d.backend.DeleteClip(ctx, path) })
	d.journal(ctx, path, res, err)
	if err != nil {
		return nil, err
	}
	if !res.Succeeded() {
		d.logger.Warn("dashboard: backend did not confirm clip deletion", "clip", path, "status", res.StatusCode)
	}

	out := &DeleteOutcome{Clip: path, Result: res}
	if err := d.RefreshAll(ctx); err != nil {
		d.logger.Error("dashboard: refresh after delete", "clip", path, "error", err)
		out.RefreshError = err.Error()
		return out, nil
	}
	out.Refreshed = true
	return out, nil
}

func (d *Dashboard) journal(ctx context.Context, path string, res *detections.DeleteResult, callErr error) {
	if d.audit == nil {
		return
	}
	entry := audit.Deletion{Clip: path, RequestedAt: d.now().UTC()}
	if res != nil {
		entry.StatusCode = res.StatusCode
		entry.OK = res.OK
	}
	if callErr != nil {
		entry.Error = callErr.Error()
	}
	if _, err := d.audit.RecordDeletion(ctx, entry); err != nil {
		d.logger.Warn("dashboard: audit deletion", "clip", path, "error", err)
	}
}

// Subscribe registers fn for every published event. The returned func
// removes the subscription.
func (d *Dashboard) Subscribe(fn func(Event)) func() {
	d.subMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.subMu.Unlock()

	return func() {
		d.subMu.Lock()
		delete(d.subs, id)
		d.subMu.Unlock()
	}
}

func (d *Dashboard) publish(ev Event) {
	d.subMu.RLock()
	fns := make([]func(Event), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.subMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (d *Dashboard) record(op string, elapsed time.Duration, err error) {
	if d.observe != nil {
		d.observe(op, elapsed, err)
	}
}

func timed[T any](d *Dashboard, op string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	d.record(op, time.Since(start), err)
	return v, err
}
