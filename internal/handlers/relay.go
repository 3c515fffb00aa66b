package handlers

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shellgate/shellgate/internal/auth"
	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/database"
	"github.com/shellgate/shellgate/internal/metrics"
	"github.com/shellgate/shellgate/internal/middleware"
	"github.com/shellgate/shellgate/internal/policy"
	"github.com/shellgate/shellgate/internal/relay"
	"github.com/shellgate/shellgate/internal/sshgw"
)

// relayReadLimit bounds a single inbound WebSocket message.
const relayReadLimit = 1024 * 1024

func parseDurationSetting(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// RelayWS handles GET /api/v1/relay/{hostID}?user=<connectUser>: the
// connection-establishment endpoint. This is the authoritative security
// boundary: the client-side capability gate is a UX fast path only, so the
// access decision is re-resolved here before any bytes flow.
func RelayWS(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "hostID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid host ID")
		return
	}

	operator, _ := middleware.GetPrincipal(r)
	connectUser := r.URL.Query().Get("user")
	if connectUser == "" {
		respondError(w, http.StatusBadRequest, "Connect user required")
		return
	}

	// Policy verdicts are part of the channel protocol: the upgrade
	// completes and the verdict arrives as a close frame. Only a missing
	// identity stays an HTTP concern, mirroring the auth middleware.
	decision, err := policy.Resolver{DB: database.DB}.Resolve(operator, uint(id))
	switch {
	case errors.Is(err, policy.ErrUnauthenticated):
		respondError(w, http.StatusUnauthorized, "Authentication required")
		return
	case errors.Is(err, policy.ErrHostNotFound):
		metrics.DenialsTotal.WithLabelValues("host_not_found").Inc()
		denyWS(w, r, relay.CloseHostNotFound, "host not found")
		return
	case err != nil:
		log.Printf("[relay] policy query failed for host %d: %v", id, err)
		denyWS(w, r, websocket.StatusInternalError, "access check failed")
		return
	case !decision.Permits(connectUser):
		metrics.DenialsTotal.WithLabelValues("not_authorized").Inc()
		denyWS(w, r, relay.CloseAccessDenied, "access denied")
		return
	}

	host, err := database.GetHostByID(uint(id))
	if err != nil {
		denyWS(w, r, relay.CloseHostNotFound, "host not found")
		return
	}

	sessionID := uuid.NewString()
	w.Header().Set(relay.SessionIDHeader, sessionID)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[relay] websocket accept: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(relayReadLimit)

	ctx := r.Context()

	// The auth frame must be the first frame on the channel; without one
	// inside the handshake window the session never starts.
	handshakeTimeout := parseDurationSetting(config.Cfg.HandshakeTimeout, 30*time.Second)
	authCtx, cancelAuth := context.WithTimeout(ctx, handshakeTimeout)
	frame, ok := readAuthFrame(authCtx, conn)
	cancelAuth()
	if !ok {
		metrics.DenialsTotal.WithLabelValues("bad_handshake").Inc()
		conn.Close(relay.CloseBadHandshake, "expected auth frame")
		return
	}
	cols, rows := sshgw.ClampDims(frame.Cols, frame.Rows)

	signer, err := sshgw.ParsePrivateKey([]byte(host.PrivateKey))
	if err != nil {
		log.Printf("[relay] host %s has unusable key material: %v", host.Name, err)
		conn.Close(relay.CloseUpstreamFailed, "host key unavailable")
		return
	}

	dialTimeout := parseDurationSetting(config.Cfg.SSHDialTimeout, 10*time.Second)
	sshClient, err := sshgw.Dial(ctx, host.Address, host.Port, connectUser, signer, dialTimeout)
	if err != nil {
		log.Printf("[relay] ssh dial %s@%s failed: %v", connectUser, host.Address, err)
		metrics.DenialsTotal.WithLabelValues("upstream_failed").Inc()
		conn.Close(relay.CloseUpstreamFailed, "ssh connection failed")
		return
	}
	defer sshClient.Close()

	shell, err := sshgw.StartShell(sshClient, host.Shell, cols, rows)
	if err != nil {
		log.Printf("[relay] shell start on %s failed: %v", host.Name, err)
		conn.Close(relay.CloseUpstreamFailed, "failed to start shell")
		return
	}
	defer shell.Close()

	started := time.Now()
	metrics.SessionsTotal.Inc()
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()
	defer func() { metrics.SessionSeconds.Observe(time.Since(started).Seconds()) }()

	auditRelay(r, operator, host, connectUser, sessionID, "session_connect")
	defer auditRelay(r, operator, host, connectUser, sessionID, "session_disconnect")
	log.Printf("[relay] session %s: %s -> %s@%s (%dx%d)", sessionID, operator.Username, connectUser, host.Name, cols, rows)

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	// Shell output -> client. The first data frame doubles as the implicit
	// handshake acknowledgement.
	go func() {
		defer relayCancel()
		buf := make([]byte, 32*1024)
		for {
			n, err := shell.Stdout.Read(buf)
			if n > 0 {
				metrics.BytesTotal.WithLabelValues("out").Add(float64(n))
				if err := conn.Write(relayCtx, websocket.MessageBinary, buf[:n]); err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// Remote shell exit tears the channel down cleanly.
	go func() {
		select {
		case <-shell.Done():
			relayCancel()
		case <-relayCtx.Done():
		}
	}()

	// Client -> shell stdin, with resize control frames interleaved.
	for {
		msgType, data, err := conn.Read(relayCtx)
		if err != nil {
			break
		}

		if msgType == websocket.MessageBinary {
			metrics.BytesTotal.WithLabelValues("in").Add(float64(len(data)))
			if _, err := shell.Stdin.Write(data); err != nil {
				break
			}
			continue
		}

		if frame, ok := relay.ParseControl(data); ok {
			if frame.Op == relay.OpResize && frame.Cols > 0 && frame.Rows > 0 {
				if err := shell.Resize(frame.Cols, frame.Rows); err != nil {
					log.Printf("[relay] session %s: resize failed: %v", sessionID, err)
				}
			}
			// A second auth frame is meaningless; drop it.
			continue
		}

		// Text framing of terminal data is a legal encoding.
		metrics.BytesTotal.WithLabelValues("in").Add(float64(len(data)))
		if _, err := shell.Stdin.Write(data); err != nil {
			break
		}
	}

	conn.Close(websocket.StatusNormalClosure, "")
	log.Printf("[relay] session %s ended after %s", sessionID, time.Since(started).Round(time.Second))
}

// denyWS finishes the upgrade and immediately closes with a relay close
// code, before any SSH dial.
func denyWS(w http.ResponseWriter, r *http.Request, code websocket.StatusCode, reason string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	conn.Close(code, reason)
}

// readAuthFrame reads the first frame and requires it to be an auth control
// frame. Anything else is a protocol violation.
func readAuthFrame(ctx context.Context, conn *websocket.Conn) (relay.ControlFrame, bool) {
	msgType, data, err := conn.Read(ctx)
	if err != nil || msgType != websocket.MessageText {
		return relay.ControlFrame{}, false
	}
	frame, ok := relay.ParseControl(data)
	if !ok || frame.Op != relay.OpAuth {
		return relay.ControlFrame{}, false
	}
	return frame, true
}

func auditRelay(r *http.Request, operator auth.Principal, host *database.Host, connectUser, sessionID, action string) {
	ip := r.RemoteAddr
	if h, _, err := net.SplitHostPort(ip); err == nil {
		ip = h
	}
	entry := &database.AuditLog{
		UserID:      operator.UserID,
		Username:    operator.Username,
		Action:      action,
		HostID:      host.ID,
		ConnectUser: connectUser,
		SessionID:   sessionID,
		IP:          ip,
		UserAgent:   r.Header.Get("User-Agent"),
	}
	if err := database.RecordAudit(entry); err != nil {
		log.Printf("[relay] audit write failed: %v", err)
	}
}
