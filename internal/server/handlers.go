package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/Tyrowin/ticko-relay/internal/auth"
	"github.com/Tyrowin/ticko-relay/internal/logger"
)

// OnlineResponse is the body served by /online.
type OnlineResponse struct {
	Scope   string   `json:"scope"`
	NodeID  string   `json:"nodeId,omitempty"`
	Users   []string `json:"users"`
	Version uint64   `json:"version,omitempty"`
}

// WebSocketHandler handles WebSocket upgrade requests. It validates the
// method and, when a signing secret is configured, the handshake token. The
// upgraded connection is attached to the hub and its pumps are started.
func (s *Service) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	verified := ""
	if s.verifier != nil {
		user, err := s.verifier.Verify(auth.TokenFromRequest(r))
		if err != nil {
			s.log.Info("websocket handshake rejected", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
			s.metrics.HandshakeRejected("unauthorized")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		verified = user
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	client := NewClient(conn, r.RemoteAddr, s.log)
	session, err := s.hub.Attach(client, verified)
	if err != nil {
		client.log.Warn("attach to hub", zap.Error(err))
		_ = client.Close()
		return
	}
	client.session = session
	client.run(&s.pumps)

	client.log.Debug("websocket connected", zap.String("verified_user", verified))
}

// OnlineHandler serves the node's presence snapshot as JSON. With
// ?scope=cluster it serves the union of every node's mirrored set instead.
func (s *Service) OnlineHandler(w http.ResponseWriter, r *http.Request) {
	var resp OnlineResponse

	if r.URL.Query().Get("scope") == "cluster" {
		if s.presence == nil {
			http.Error(w, "Cluster presence is not configured.", http.StatusServiceUnavailable)
			return
		}
		users, err := s.presence.ClusterOnline(r.Context())
		if err != nil {
			s.log.Warn("read cluster presence", zap.Error(err))
			http.Error(w, "Cluster presence unavailable.", http.StatusBadGateway)
			return
		}
		resp = OnlineResponse{Scope: "cluster", Users: users}
	} else {
		snap := s.hub.Online()
		resp = OnlineResponse{Scope: "node", NodeID: s.cfg.NodeID, Users: snap.Users, Version: snap.Version}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Debug("write online response", zap.Error(err))
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Ticko relay is running!")
}

// TestPageHandler serves an HTML page for exercising the relay protocol from
// a browser: identify, join a room, type and send messages.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPage); err != nil {
		logger.L().Debug("write test page", zap.Error(err))
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Ticko Relay Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"] { width: 180px; padding: 5px; margin-right: 6px; }
        button { padding: 5px 12px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .row { margin: 6px 0; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Ticko Relay Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div class="row">
        <input type="text" id="token" placeholder="token (optional)">
        <button onclick="toggleConnection()" id="connectButton">Connect</button>
    </div>
    <div class="row">
        <input type="text" id="user" placeholder="your user id">
        <button onclick="emit('setup', val('user'))">Setup</button>
        <button onclick="emit('logout')">Logout</button>
    </div>
    <div class="row">
        <input type="text" id="room" placeholder="room id">
        <input type="text" id="members" placeholder="members, comma separated">
        <button onclick="emit('join chat', val('room'))">Join</button>
        <button onclick="emit('leave chat', val('room'))">Leave</button>
        <button onclick="emit('typing', val('room'))">Typing</button>
        <button onclick="emit('stop typing', val('room'))">Stop typing</button>
    </div>
    <div class="row">
        <input type="text" id="content" placeholder="message">
        <button onclick="sendMessage()">Send</button>
    </div>

    <div id="log"></div>

    <script>
        let ws = null;
        const logDiv = document.getElementById('log');
        const statusDiv = document.getElementById('status');
        const connectButton = document.getElementById('connectButton');

        function val(id) { return document.getElementById(id).value.trim(); }

        function addLine(text, color) {
            const el = document.createElement('div');
            el.style.color = color || 'gray';
            el.textContent = text;
            logDiv.appendChild(el);
            logDiv.scrollTop = logDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            let url = scheme + location.host + '/ws';
            if (val('token')) { url += '?token=' + encodeURIComponent(val('token')); }
            ws = new WebSocket(url);
            ws.onopen = function() { addLine('connected'); updateStatus(true); };
            ws.onmessage = function(event) { addLine('< ' + event.data, 'green'); };
            ws.onclose = function() { addLine('connection closed'); updateStatus(false); ws = null; };
            ws.onerror = function() { addLine('connection error', 'red'); };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) { ws.close(); } else { connect(); }
        }

        function emit(event, data) {
            if (!ws || ws.readyState !== WebSocket.OPEN) { return; }
            const frame = JSON.stringify(data === undefined ? { event: event } : { event: event, data: data });
            ws.send(frame);
            addLine('> ' + frame, 'blue');
        }

        function sendMessage() {
            const members = val('members').split(',').map(function(m) { return m.trim(); })
                .filter(function(m) { return m; }).map(function(m) { return { _id: m }; });
            emit('new message', {
                content: val('content'),
                sender: { _id: val('user') },
                chat: { _id: val('room'), users: members }
            });
            document.getElementById('content').value = '';
        }
    </script>
</body>
</html>`
