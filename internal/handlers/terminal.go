package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"
	"unicode"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gluk-w/termhub/internal/hosts"
	"github.com/gluk-w/termhub/internal/protocol"
	"github.com/gluk-w/termhub/internal/session"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// terminalRateLimit defines the maximum number of messages allowed per second
// per WebSocket connection. Messages beyond this rate are dropped.
const terminalRateLimit = 200

// terminalRateBurst allows short bursts of rapid input (e.g. paste
// operations) before rate limiting kicks in.
const terminalRateBurst = 200

// maxInboundFrame is the largest viewer frame forwarded; bigger ones are
// dropped.
const maxInboundFrame = 64 * 1024

const maxSessionName = 256

// wsClient adapts a viewer WebSocket to session.Client.
type wsClient struct {
	id   string
	conn *websocket.Conn
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) WriteOutput(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageBinary, data)
}

func (c *wsClient) WriteControl(ctx context.Context, frame any) error {
	return wsjson.Write(ctx, c.conn, frame)
}

// Close runs the close handshake in the background; callers hold no locks
// but may be on the PTY reader path.
func (c *wsClient) Close(code int, reason string) {
	go c.conn.Close(websocket.StatusCode(code), reason)
}

// TerminalWS attaches a viewer to a terminal session.
//
// Query parameters:
//   - name: (required) backing session name
//   - host: (optional) host id; a host other than this one is proxied
//   - socket: (optional) alternate backing-session socket path
func (a *API) TerminalWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name, hostID, socket := q.Get("name"), q.Get("host"), q.Get("socket")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[terminal] failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	if !validSessionName(name) {
		conn.Close(protocol.CloseInvalidSession, "missing or invalid session name")
		return
	}

	if !a.isSelf(hostID) {
		a.proxyRemote(ctx, conn, name, hostID, socket)
		return
	}

	client := &wsClient{id: uuid.NewString(), conn: conn}
	s, err := a.Sessions.Attach(ctx, name, socket, client)
	if err != nil {
		log.Printf("[terminal] attach %s failed: %v", name, err)
		if errors.Is(err, session.ErrSessionNotFound) {
			sendError(ctx, conn, "Session not found", err.Error())
			conn.Close(protocol.CloseInvalidSession, "session not found")
			return
		}
		sendError(ctx, conn, "Failed to attach terminal", err.Error())
		conn.Close(protocol.CloseInternal, "failed to attach terminal")
		return
	}
	defer a.Sessions.Detach(s, client)

	// Oversized frames are dropped below rather than failing the connection.
	conn.SetReadLimit(1024 * 1024)
	limiter := rate.NewLimiter(rate.Limit(terminalRateLimit), terminalRateBurst)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if len(data) > maxInboundFrame {
			log.Printf("[terminal] %s: dropped %d byte frame from client %s", name, len(data), client.id)
			continue
		}
		if !limiter.Allow() {
			continue
		}
		if typ == websocket.MessageBinary {
			err = a.Sessions.Input(s, data)
		} else {
			err = a.Sessions.Dispatch(ctx, s, data)
		}
		if err != nil {
			log.Printf("[terminal] %s: %v", name, err)
		}
	}
}

func (a *API) isSelf(hostID string) bool {
	if hostID == "" {
		return true
	}
	return a.Hosts != nil && a.Hosts.IsSelf(hostID)
}

func (a *API) proxyRemote(ctx context.Context, conn *websocket.Conn, name, hostID, socket string) {
	if a.Hosts == nil || a.Bridge == nil {
		sendError(ctx, conn, "Remote sessions are not configured", "")
		conn.Close(protocol.CloseInternal, "remote sessions not configured")
		return
	}
	host, err := a.Hosts.Lookup(hostID)
	if err != nil {
		if errors.Is(err, hosts.ErrHostNotFound) {
			sendError(ctx, conn, "Unknown host", hostID)
			conn.Close(protocol.CloseInvalidSession, "unknown host")
			return
		}
		sendError(ctx, conn, "Host lookup failed", err.Error())
		conn.Close(protocol.CloseInternal, "host lookup failed")
		return
	}
	target, err := hosts.RemoteURL(host, name, socket)
	if err != nil {
		sendError(ctx, conn, "Invalid host address", err.Error())
		conn.Close(protocol.CloseInternal, "invalid host address")
		return
	}

	conn.SetReadLimit(1024 * 1024)
	log.Printf("[terminal] %s: proxying to host %s", name, hostID)
	if err := a.Bridge.Proxy(ctx, conn, name, target); err != nil {
		log.Printf("[terminal] %s: remote proxy ended: %v", name, err)
	}
}

func sendError(ctx context.Context, conn *websocket.Conn, message, details string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	wsjson.Write(ctx, conn, protocol.NewError(message, details))
}

func validSessionName(name string) bool {
	if name == "" || len(name) > maxSessionName {
		return false
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}
