package http

import (
	"bytes"
	"html/template"
	nethttp "net/http"

	"go-detection-dashboard/internal/dashboard"
)

type pageData struct {
	Logs       template.HTML
	Clips      template.HTML
	Stats      template.HTML
	Version    uint64
	Src        string
	Generation uint64
}

var dashboardPage = template.Must(template.New("dashboard").Parse(dashboardHTML))

// dashboardHandler serves the page with the current regions already rendered,
// so the first paint does not wait for the websocket.
func dashboardHandler(dash *dashboard.Dashboard) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.URL.Path != "/" {
			nethttp.NotFound(w, r)
			return
		}

		snap := dash.Snapshot()
		playing := dash.NowPlaying()
		data := pageData{
			// Region markup is produced by the html renderer, which escapes all text.
			Logs:       template.HTML(snap.Logs),
			Clips:      template.HTML(snap.Clips),
			Stats:      template.HTML(snap.Stats),
			Version:    snap.Version,
			Src:        playing.Src,
			Generation: playing.Generation,
		}

		var buf bytes.Buffer
		if err := dashboardPage.Execute(&buf, data); err != nil {
			writeJSON(w, nethttp.StatusInternalServerError, map[string]any{"error": "failed to render page"})
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(nethttp.StatusOK)
		_, _ = w.Write(buf.Bytes())
	}
}

func faviconHandler(w nethttp.ResponseWriter, _ *nethttp.Request) {
	w.WriteHeader(nethttp.StatusNoContent)
}

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Detection Dashboard</title>
  <style>
    :root {
      --accent: #0e5d8f;
      --bg: #f7f7f7;
      --paper: #fff;
      --text: #333;
      --muted: #777;
      --line: #ddd;
      --head: #f0f0f0;
      --err-bg: #f2dede;
      --err-text: #a94442;
    }
    * { box-sizing: border-box; }
    body { margin: 0; font-family: "Open Sans", Helvetica, Arial, sans-serif; background: var(--bg); color: var(--text); font-size: 14px; }
    header { background: var(--accent); color: #fff; padding: 10px 18px; display: flex; align-items: center; justify-content: space-between; }
    header h1 { margin: 0; font-size: 18px; font-weight: 600; }
    #conn { font-size: 12px; opacity: .85; }
    main { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; padding: 16px 18px; }
    section { background: var(--paper); border: 1px solid var(--line); border-radius: 3px; padding: 12px; }
    section h2 { margin: 0 0 8px; font-size: 15px; font-weight: 600; }
    table { width: 100%; border-collapse: collapse; }
    th, td { text-align: left; padding: 5px 8px; border-bottom: 1px solid var(--line); }
    th { background: var(--head); font-weight: 600; }
    .clip { display: flex; justify-content: space-between; align-items: center; padding: 4px 0; border-bottom: 1px solid var(--line); }
    .clip-name { overflow: hidden; text-overflow: ellipsis; white-space: nowrap; }
    .stat { padding: 3px 0; }
    button { border: 1px solid var(--line); background: var(--paper); border-radius: 3px; cursor: pointer; padding: 2px 8px; }
    button:hover { border-color: var(--accent); }
    video { width: 100%; max-height: 320px; background: #000; }
    #notice { display: none; margin: 0 18px; padding: 8px 12px; background: var(--err-bg); color: var(--err-text); border-radius: 3px; }
    @media (max-width: 900px) { main { grid-template-columns: 1fr; } }
  </style>
</head>
<body>
  <header>
    <h1>Detection Dashboard</h1>
    <span id="conn">connecting</span>
  </header>
  <div id="notice"></div>
  <main>
    <div>
      <section>
        <h2>Detections</h2>
        <table id="logTable">
          <thead><tr><th>Time</th><th>Class</th><th>Confidence (%)</th><th>Clip</th></tr></thead>
          <tbody>{{.Logs}}</tbody>
        </table>
      </section>
    </div>
    <div>
      <section>
        <h2>Player</h2>
        <video id="player" {{if .Src}}src="{{.Src}}" {{end}}controls></video>
      </section>
      <section>
        <h2>Clips</h2>
        <div id="clips">{{.Clips}}</div>
      </section>
      <section>
        <h2>Stats</h2>
        <div id="stats">{{.Stats}}</div>
      </section>
    </div>
  </main>
  <script>
    (function () {
      var state = { version: {{.Version}}, generation: {{.Generation}}, ws: null };
      var conn = document.getElementById("conn");
      var notice = document.getElementById("notice");
      var player = document.getElementById("player");

      function showError(msg) {
        notice.textContent = msg;
        notice.style.display = msg ? "block" : "none";
      }

      function applySnapshot(snap) {
        if (!snap || snap.version < state.version) return;
        state.version = snap.version;
        document.querySelector("#logTable tbody").innerHTML = snap.logs;
        document.getElementById("clips").innerHTML = snap.clips;
        document.getElementById("stats").innerHTML = snap.stats;
      }

      function applyPlay(play) {
        if (!play || play.generation <= state.generation) return;
        state.generation = play.generation;
        player.pause();
        player.src = play.src;
        player.load();
        var p = player.play();
        if (p && p.catch) p.catch(function () {});
      }

      function post(url, body) {
        return fetch(url, {
          method: "POST",
          headers: { "Content-Type": "application/json" },
          body: JSON.stringify(body || {})
        }).then(function (res) {
          return res.json().then(function (payload) {
            if (!res.ok) throw new Error(payload.error || ("HTTP " + res.status));
            return payload;
          });
        });
      }

      function poll() {
        fetch("/api/v1/dashboard").then(function (res) { return res.json(); }).then(function (payload) {
          if (!payload.data) return;
          applySnapshot(payload.data.snapshot);
          applyPlay(payload.data.now_playing);
        }).catch(function (err) { showError("refresh failed: " + err.message); });
      }

      function connect() {
        var proto = location.protocol === "https:" ? "wss://" : "ws://";
        var ws = new WebSocket(proto + location.host + "/ws");
        state.ws = ws;
        ws.onopen = function () { conn.textContent = "live"; showError(""); };
        ws.onmessage = function (msg) {
          var ev;
          try { ev = JSON.parse(msg.data); } catch (e) { return; }
          if (ev.type === "regions") applySnapshot(ev.snapshot);
          if (ev.type === "play") applyPlay(ev.play);
        };
        ws.onclose = function () {
          conn.textContent = "reconnecting";
          state.ws = null;
          setTimeout(connect, 3000);
        };
      }

      document.addEventListener("click", function (e) {
        var btn = e.target.closest("[data-action]");
        if (!btn) return;
        var clip = btn.getAttribute("data-clip");
        if (btn.getAttribute("data-action") === "play") {
          post("/api/v1/play", { path: clip }).then(function (payload) {
            applyPlay(payload.data);
          }).catch(function (err) { showError("play failed: " + err.message); });
          return;
        }
        if (btn.getAttribute("data-action") === "delete") {
          var confirmed = confirm("Delete clip?");
          if (!confirmed) return;
          post("/api/v1/delete", { name: clip, confirmed: confirmed }).then(function () {
            poll();
          }).catch(function (err) { showError("delete failed: " + err.message); });
        }
      });

      setInterval(function () {
        if (!state.ws || state.ws.readyState !== WebSocket.OPEN) poll();
      }, 5000);
      connect();
    })();
  </script>
</body>
</html>
`
