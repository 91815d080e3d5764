package httpapi

import (
	"fmt"
	"net/http"

	"github.com/agentworkforce/inkrelay/internal/room"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>inkrelay rooms</title>
  <style>
    :root {
      --ink: #1b1f2a;
      --paper: #f5f3ee;
      --card: #ffffff;
      --line: #d9d4c7;
      --accent: #2f6fdb;
      --warn: #c98a1a;
      --danger: #c2483f;
      --muted: #6b7280;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Inter", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
    }
    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }
    .bar, .panel, .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 14px;
    }
    h1 { margin: 0; font-size: 1.4rem; }
    .controls { display: flex; gap: 8px; margin-top: 10px; }
    .controls input { flex: 1; padding: 8px; border: 1px solid var(--line); border-radius: 8px; }
    button { padding: 8px 14px; border-radius: 8px; border: 0; background: var(--accent); color: #fff; cursor: pointer; }
    .cards { display: grid; gap: 10px; grid-template-columns: repeat(4, 1fr); }
    .label { color: var(--muted); font-size: 0.8rem; text-transform: uppercase; }
    .value { font-size: 1.4rem; margin-top: 4px; }
    .mono { font-family: "JetBrains Mono", monospace; }
    table { width: 100%; border-collapse: collapse; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); }
    .ok { color: var(--accent); }
    .warn { color: var(--warn); }
    .err { color: var(--danger); }
    @media (max-width: 720px) { .cards { grid-template-columns: repeat(2, 1fr); } }
  </style>
</head>
<body>
  <main class="shell">
    <section class="bar">
      <h1>inkrelay rooms</h1>
      <div class="controls">
        <input id="token" type="password" placeholder="bearer token with admin:read" />
        <button id="refresh" type="button">Refresh</button>
      </div>
      <div class="label" style="margin-top:8px">status: <span id="status">-</span> | updated: <span id="updated">-</span></div>
    </section>
    <section class="cards">
      <article class="card"><div class="label">Profile</div><div id="profile" class="value mono">-</div></article>
      <article class="card"><div class="label">Backends</div><div id="backends" class="value mono">-</div></article>
      <article class="card"><div class="label">Active Rooms</div><div id="roomCount" class="value">-</div></article>
      <article class="card"><div class="label">Persist Queue</div><div id="queue" class="value mono">-</div></article>
    </section>
    <section class="panel">
      <table>
        <thead><tr><th>Room</th><th>Sessions</th><th>Pages</th><th>Dirty</th><th>Persistent</th></tr></thead>
        <tbody id="rooms"></tbody>
      </table>
    </section>
  </main>
  <script>
    (function () {
      const dom = {
        token: document.getElementById("token"),
        refresh: document.getElementById("refresh"),
        status: document.getElementById("status"),
        updated: document.getElementById("updated"),
        profile: document.getElementById("profile"),
        backends: document.getElementById("backends"),
        roomCount: document.getElementById("roomCount"),
        queue: document.getElementById("queue"),
        rooms: document.getElementById("rooms"),
      };

      function setStatus(text, cls) {
        dom.status.textContent = text;
        dom.status.className = cls || "";
      }

      function cell(text, cls) {
        const td = document.createElement("td");
        td.textContent = String(text);
        if (cls) {
          td.className = cls;
        }
        return td;
      }

      function renderRooms(rooms) {
        dom.rooms.innerHTML = "";
        if (!Array.isArray(rooms) || rooms.length === 0) {
          const tr = document.createElement("tr");
          tr.appendChild(cell("No active rooms"));
          dom.rooms.appendChild(tr);
          return;
        }
        rooms.forEach((r) => {
          const tr = document.createElement("tr");
          tr.appendChild(cell(r.roomId, "mono"));
          tr.appendChild(cell(r.sessions || 0));
          tr.appendChild(cell(r.pages || 0));
          tr.appendChild(cell(r.dirty ? "yes" : "no", r.dirty ? "warn" : "ok"));
          tr.appendChild(cell(r.persistent ? "yes" : "no", r.persistent ? "ok" : "err"));
          dom.rooms.appendChild(tr);
        });
      }

      async function refresh() {
        const token = dom.token.value.trim();
        if (!token) {
          setStatus("enter token to start", "warn");
          return;
        }
        setStatus("refreshing...", "warn");
        try {
          const response = await fetch("/v1/admin/status", {
            headers: {
              "Authorization": "Bearer " + token,
              "X-Correlation-Id": "dash_" + Date.now() + "_" + Math.random().toString(16).slice(2, 8),
            },
          });
          const data = await response.json();
          if (!response.ok) {
            throw new Error(response.status + " " + (data.code || "error") + ": " + (data.message || response.statusText));
          }
          const queue = data.persistQueue || {};
          dom.profile.textContent = data.backendProfile || "custom";
          dom.backends.textContent = (data.roomBackend || "memory") + " / " + (data.blobBackend || "-");
          dom.roomCount.textContent = String((data.rooms || []).length);
          dom.queue.textContent = (queue.depth || 0) + "/" + (queue.capacity || 0) + " +" + (queue.deferred || 0);
          renderRooms(data.rooms);
          dom.updated.textContent = new Date().toLocaleTimeString();
          setStatus("ok", "ok");
          window.localStorage.setItem("inkrelay_dashboard_token", token);
        } catch (err) {
          setStatus(String(err && err.message ? err.message : err), "err");
        }
      }

      dom.refresh.addEventListener("click", refresh);
      dom.token.addEventListener("change", refresh);
      dom.token.value = window.localStorage.getItem("inkrelay_dashboard_token") || "";
      setInterval(refresh, 5000);
      refresh();
    })();
  </script>
</body>
</html>`

type adminStatus struct {
	BackendProfile string            `json:"backendProfile,omitempty"`
	RoomBackend    string            `json:"roomBackend,omitempty"`
	BlobBackend    string            `json:"blobBackend,omitempty"`
	Rooms          []room.RoomStatus `json:"rooms"`
	PersistQueue   room.QueueStats   `json:"persistQueue"`
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.hub == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "rooms are not enabled", correlationID)
		return
	}
	rooms, err := s.hub.Rooms(r.Context())
	if err != nil {
		s.writeRoomError(w, err, correlationID)
		return
	}
	if rooms == nil {
		rooms = []room.RoomStatus{}
	}
	writeJSON(w, http.StatusOK, adminStatus{
		BackendProfile: s.cfg.BackendProfile,
		RoomBackend:    s.cfg.RoomBackend,
		BlobBackend:    s.cfg.BlobBackend,
		Rooms:          rooms,
		PersistQueue:   s.hub.PersistQueue(),
	})
}
