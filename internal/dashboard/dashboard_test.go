package dashboard

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"go-detection-dashboard/internal/connectors/audit"
	"go-detection-dashboard/internal/connectors/detections"
)

type fakeBackend struct {
	mu         sync.Mutex
	logs       []detections.LogEntry
	clips      []string
	stats      detections.Stats
	logsErr    error
	deleteRes  *detections.DeleteResult
	deleteErr  error
	deleted    []string
	fetchCalls int
}

func (f *fakeBackend) Logs(context.Context) ([]detections.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	return f.logs, f.logsErr
}

func (f *fakeBackend) Clips(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clips, nil
}

func (f *fakeBackend) Stats(context.Context) (detections.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, nil
}

func (f *fakeBackend) DeleteClip(_ context.Context, name string) (*detections.DeleteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return f.deleteRes, f.deleteErr
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

type fakeAudit struct {
	entries []audit.Deletion
}

func (a *fakeAudit) RecordDeletion(_ context.Context, d audit.Deletion) (audit.Deletion, error) {
	a.entries = append(a.entries, d)
	return d, nil
}

func boolPtr(v bool) *bool { return &v }

func always(v bool) Confirmer {
	return ConfirmFunc(func(context.Context, string) bool { return v })
}

func TestRefreshAll_RendersLogsNewestFirst(t *testing.T) {
	be := &fakeBackend{logs: []detections.LogEntry{
		{Timestamp: "t1", Class: "bird", Confidence: 87.5, Clip: "a.wav"},
		{Timestamp: "t2", Class: "cat", Confidence: 12.34, Clip: "b.wav"},
		{Timestamp: "t3", Class: "dog", Confidence: 99.96, Clip: "c.wav"},
	}}
	d := New(be, Options{})

	if err := d.RefreshAll(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	logs, _, _ := d.Regions()
	if logs.Len() != 3 {
		t.Fatalf("expected 3 rows, got %d", logs.Len())
	}
	wantTS := []string{"t3", "t2", "t1"}
	wantConf := []string{"100.0", "12.3", "87.5"}
	for i, row := range logs.Nodes() {
		cells := children(row)
		if len(cells) != 4 {
			t.Fatalf("row %d: expected 4 cells, got %d", i, len(cells))
		}
		if got := TextContent(cells[0]); got != wantTS[i] {
			t.Fatalf("row %d: expected timestamp %s, got %s", i, wantTS[i], got)
		}
		if got := TextContent(cells[2]); got != wantConf[i] {
			t.Fatalf("row %d: expected confidence %s, got %s", i, wantConf[i], got)
		}
	}
}

func TestRefreshAll_SingleLogScenario(t *testing.T) {
	be := &fakeBackend{logs: []detections.LogEntry{{Timestamp: "t1", Class: "bird", Confidence: 87.5, Clip: "a.wav"}}}
	d := New(be, Options{})
	if err := d.RefreshAll(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	snap := d.Snapshot()
	want := `<tr><td>t1</td><td>bird</td><td>87.5</td><td><button type="button" class="play" data-action="play" data-clip="a.wav">▶</button></td></tr>`
	if snap.Logs != want {
		t.Fatalf("unexpected markup\nwant %s\ngot  %s", want, snap.Logs)
	}
}

func TestRefreshAll_ClipsAndStats(t *testing.T) {
	be := &fakeBackend{
		clips: []string{"2024/a.wav", "2024/b.wav"},
		stats: detections.Stats{{Key: "total", Value: "3"}, {Key: "species", Value: "2"}},
	}
	d := New(be, Options{})
	if err := d.RefreshAll(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	_, clips, stats := d.Regions()
	if clips.Len() != 2 {
		t.Fatalf("expected 2 clips, got %d", clips.Len())
	}
	for i, want := range []string{"a.wav", "b.wav"} {
		label := children(clips.Nodes()[i])[0]
		if got := TextContent(label); got != want {
			t.Fatalf("clip %d: expected label %s, got %s", i, want, got)
		}
	}
	if !strings.Contains(clips.Markup(), `data-action="delete" data-clip="2024/a.wav"`) {
		t.Fatalf("expected delete control bound to full path, got %s", clips.Markup())
	}

	if stats.Len() != 2 {
		t.Fatalf("expected 2 stat lines, got %d", stats.Len())
	}
	if got := TextContent(stats.Nodes()[0]); got != "total: 3" {
		t.Fatalf("unexpected first stat %q", got)
	}
	if got := TextContent(stats.Nodes()[1]); got != "species: 2" {
		t.Fatalf("unexpected second stat %q", got)
	}
}

func TestRefreshAll_IsIdempotent(t *testing.T) {
	be := &fakeBackend{
		logs:  []detections.LogEntry{{Timestamp: "t1", Class: "bird", Confidence: 1, Clip: "a.wav"}},
		clips: []string{"a.wav"},
		stats: detections.Stats{{Key: "total", Value: "1"}},
	}
	d := New(be, Options{})

	if err := d.RefreshAll(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	first := d.Snapshot()
	if err := d.RefreshAll(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	second := d.Snapshot()

	if first.Logs != second.Logs || first.Clips != second.Clips || first.Stats != second.Stats {
		t.Fatalf("expected identical regions after repeated refresh")
	}
	if second.LogCount != 1 || second.ClipCount != 1 || second.StatCount != 1 {
		t.Fatalf("regions accumulated: %+v", second)
	}
	if second.Version != first.Version+1 {
		t.Fatalf("expected version to advance, got %d then %d", first.Version, second.Version)
	}
}

func TestRefreshAll_FailureKeepsPreviousRegions(t *testing.T) {
	be := &fakeBackend{clips: []string{"a.wav"}}
	d := New(be, Options{})
	if err := d.RefreshAll(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	before := d.Snapshot()

	be.mu.Lock()
	be.clips = []string{"a.wav", "b.wav"}
	be.logsErr = errors.New("connection refused")
	be.mu.Unlock()

	if err := d.RefreshAll(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	after := d.Snapshot()
	if after.Version != before.Version || after.Clips != before.Clips {
		t.Fatalf("failed refresh must not touch regions")
	}
}

func TestRefreshAll_PublishesRegionsEvent(t *testing.T) {
	d := New(&fakeBackend{}, Options{})
	var got []Event
	unsubscribe := d.Subscribe(func(ev Event) { got = append(got, ev) })

	if err := d.RefreshAll(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	unsubscribe()
	if err := d.RefreshAll(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if len(got) != 1 || got[0].Type != EventRegions || got[0].Snapshot == nil {
		t.Fatalf("expected one regions event, got %+v", got)
	}
}

func TestPlay_InterruptsPreviousPlayback(t *testing.T) {
	d := New(&fakeBackend{}, Options{ClipRoute: "/media"})
	var plays []PlayState
	d.Subscribe(func(ev Event) {
		if ev.Type == EventPlay {
			plays = append(plays, *ev.Play)
		}
	})

	first := d.Play("2024/a b.wav")
	second := d.Play("2024/c.wav")

	if first.Src != "/media/2024/a%20b.wav" {
		t.Fatalf("unexpected src %q", first.Src)
	}
	if second.Generation != first.Generation+1 {
		t.Fatalf("expected generation to advance")
	}
	if now := d.NowPlaying(); now.Path != "2024/c.wav" || now.Src != "/media/2024/c.wav" {
		t.Fatalf("expected second clip to be current, got %+v", now)
	}
	if len(plays) != 2 {
		t.Fatalf("expected 2 play events, got %d", len(plays))
	}
}

func TestDeleteClip_DeclinedSendsNothing(t *testing.T) {
	be := &fakeBackend{}
	d := New(be, Options{})

	out, err := d.DeleteClip(context.Background(), "a.wav", always(false))
	if !errors.Is(err, ErrNotConfirmed) || out != nil {
		t.Fatalf("expected ErrNotConfirmed, got %v %+v", err, out)
	}
	if len(be.deleted) != 0 || be.calls() != 0 {
		t.Fatalf("declined delete must not touch the backend")
	}

	if _, err := d.DeleteClip(context.Background(), "a.wav", nil); !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("nil confirmer must decline, got %v", err)
	}
}

func TestDeleteClip_RefreshesRegardlessOfStatus(t *testing.T) {
	be := &fakeBackend{deleteRes: &detections.DeleteResult{StatusCode: 200, OK: boolPtr(false)}}
	rec := &fakeAudit{}
	d := New(be, Options{Audit: rec})

	out, err := d.DeleteClip(context.Background(), "a.wav", always(true))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(be.deleted) != 1 || be.deleted[0] != "a.wav" {
		t.Fatalf("unexpected delete calls %v", be.deleted)
	}
	if !out.Refreshed || be.calls() != 1 {
		t.Fatalf("expected a refresh after delete, outcome %+v calls %d", out, be.calls())
	}
	if len(rec.entries) != 1 || rec.entries[0].OK == nil || *rec.entries[0].OK {
		t.Fatalf("expected audit entry with ok=false, got %+v", rec.entries)
	}
}

func TestDeleteClip_TransportFailureSkipsRefresh(t *testing.T) {
	be := &fakeBackend{deleteErr: errors.New("dial tcp: refused")}
	rec := &fakeAudit{}
	d := New(be, Options{Audit: rec})

	if _, err := d.DeleteClip(context.Background(), "a.wav", always(true)); err == nil {
		t.Fatalf("expected transport error")
	}
	if be.calls() != 0 {
		t.Fatalf("refresh must not run after a transport failure")
	}
	if len(rec.entries) != 1 || rec.entries[0].Error == "" {
		t.Fatalf("expected failed attempt to be journaled, got %+v", rec.entries)
	}
}

func TestFormatConfidence(t *testing.T) {
	cases := map[float64]string{
		87.5:  "87.5",
		0:     "0.0",
		91.26: "91.3",
		33.33: "33.3",
		100:   "100.0",
	}
	for in, want := range cases {
		if got := FormatConfidence(in); got != want {
			t.Fatalf("FormatConfidence(%v) = %s, want %s", in, got, want)
		}
	}
	if got := FormatConfidence(math.NaN()); got != "NaN" {
		t.Fatalf("expected NaN, got %s", got)
	}
}

func TestClipLabel(t *testing.T) {
	cases := map[string]string{
		"2024/a.wav":      "a.wav",
		"a.wav":           "a.wav",
		"clips/x/y/z.mp4": "z.mp4",
		"dir/":            "",
	}
	for in, want := range cases {
		if got := ClipLabel(in); got != want {
			t.Fatalf("ClipLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRender_EscapesBackendText(t *testing.T) {
	nodes := RenderStatsList(detections.Stats{{Key: "<b>", Value: "x&y"}})
	region := newRegion(nodes)
	if !strings.Contains(region.Markup(), "&lt;b&gt;: x&amp;y") {
		t.Fatalf("expected escaped markup, got %s", region.Markup())
	}
}
