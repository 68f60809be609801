package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shuthost/shuthost/internal/fleet"
	"github.com/shuthost/shuthost/internal/signing"
	"github.com/shuthost/shuthost/internal/wol"
)

func (s *Server) upgrader() *websocket.Upgrader {
	if s.wsUpgrader == nil {
		s.wsUpgrader = &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		}
	}
	return s.wsUpgrader
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, kind, detail string) {
	writeJSON(w, status, map[string]string{"error": kind, "detail": detail})
}

func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		if bracket := strings.LastIndex(ip, "]"); bracket == -1 || idx > bracket {
			ip = ip[:idx]
		}
	}
	return ip
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

const loginPageHTML = `<!doctype html><html><body>
<form method="post" action="/login">
<input type="password" name="password" placeholder="password">
<input type="text" name="totp" placeholder="2FA code (if enabled)">
<button type="submit">Log in</button>
</form>
%s
</body></html>`

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if _, err := s.auth.GetSessionFromRequest(r); err == nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	errMsg := r.URL.Query().Get("error")
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, loginPageHTML, errMsg)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if s.auth.IsRateLimited(ip) {
		http.Redirect(w, r, "/login?error=Too+many+attempts.+Please+wait.", http.StatusFound)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Redirect(w, r, "/login?error=Invalid+request", http.StatusFound)
		return
	}

	if !s.auth.CheckPassword(r.FormValue("password")) {
		s.log.Warn().Str("ip", ip).Msg("failed login attempt: wrong password")
		http.Redirect(w, r, "/login?error=Invalid+password", http.StatusFound)
		return
	}

	if s.cfg.HasTOTP() && !s.auth.CheckTOTP(r.FormValue("totp")) {
		s.log.Warn().Str("ip", ip).Msg("failed login attempt: wrong TOTP")
		http.Redirect(w, r, "/login?error=Invalid+TOTP+code", http.StatusFound)
		return
	}

	session, err := s.auth.CreateSession()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create session")
		http.Redirect(w, r, "/login?error=Server+error", http.StatusFound)
		return
	}

	s.auth.ResetRateLimit(ip)
	s.auth.SetSessionCookie(w, session)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if session := sessionFromContext(r.Context()); session != nil {
		_ = s.auth.DeleteSession(session.ID)
	}
	s.auth.ClearSessionCookie(w)
	http.Redirect(w, r, "/login", http.StatusFound)
}

const dashboardPageHTML = `<!doctype html><html><body>
<h1>ShutHost</h1>
<p>See <a href="/api/hosts">/api/hosts</a> for the fleet snapshot.</p>
<form method="post" action="/logout"><input type="hidden" name="csrf_token" value="%s"><button>Log out</button></form>
</body></html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	csrf := ""
	if session != nil {
		csrf = session.CSRFToken
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, dashboardPageHTML, csrf)
}

// handleWebSocket upgrades an authenticated browser connection and
// registers it with the Hub, which fans out host_status, lease_changed,
// and config_changed frames from the event bus.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.hub.ServeWS(conn)
}

// handleGetHosts serves the /api/hosts snapshot: current liveness and
// lease holders for every configured host. This is the machine-readable
// listing the core's readers need even though the browser UI itself is
// out of scope.
func (s *Server) handleGetHosts(w http.ResponseWriter, r *http.Request) {
	hosts := s.registry.Hosts()
	snapshots := make([]fleet.HostSnapshot, 0, len(hosts))
	for _, h := range hosts {
		snapshots = append(snapshots, fleet.HostSnapshot{
			Name:        h.Name,
			Online:      s.monitor.Online(h.Name),
			Leases:      s.registry.LeasesOf(h.Name),
			LastProbeAt: s.monitor.ProbedAt(h.Name),
		})
	}
	writeJSON(w, http.StatusOK, snapshots)
}

// handleConfigReload manually triggers the config supervisor's reload
// path, for deployments without reliable SIGHUP delivery (containers).
// It calls the exact same reconcile path SIGHUP does.
func (s *Server) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if err := s.configSupervisor.TriggerReload(); err != nil {
		writeErr(w, http.StatusBadRequest, "ConfigError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

const m2mAwaitDeadline = 30 * time.Second

// handleM2MLease implements POST /api/m2m/lease/{host}/{action}.
func (s *Server) handleM2MLease(w http.ResponseWriter, r *http.Request) {
	reqID := requestID()
	host := chi.URLParam(r, "host")
	action := chi.URLParam(r, "action")
	if action != "take" && action != "release" {
		writeErr(w, http.StatusBadRequest, "BadAction", "action must be take or release")
		return
	}

	clientID := r.Header.Get("X-Client-ID")
	client, ok := s.registry.Client(clientID)
	if !ok {
		writeErr(w, http.StatusUnauthorized, "AuthError", "unknown client")
		return
	}

	if !s.m2mLimiter(clientID).Allow() {
		writeErr(w, http.StatusTooManyRequests, "RateLimited", "too many requests")
		return
	}

	log := s.log.With().Str("request_id", reqID).Str("host", host).Str("client", clientID).Str("action", action).Logger()

	token := r.Header.Get("X-Request")
	signedAction, verr := signing.Verify(client.Secret, token, time.Now(), signing.DefaultWindow, s.m2mReplayCache(clientID))
	if verr != nil {
		kind, _ := signing.Kind(verr)
		status := http.StatusUnauthorized
		if kind == signing.KindReplay {
			status = http.StatusConflict
		}
		log.Warn().Str("kind", string(kind)).Msg("m2m request rejected")
		writeErr(w, status, string(kind), verr.Error())
		return
	}
	if signedAction != action {
		writeErr(w, http.StatusBadRequest, "ActionMismatch", "signed action does not match URL action")
		return
	}

	var desiredChanged bool
	var err error
	if action == "take" {
		var res fleet.TakeResult
		res, err = s.registry.Take(host, clientID)
		desiredChanged = !res.WasAlready && res.LeaseCount == 1
	} else {
		var res fleet.ReleaseResult
		res, err = s.registry.Release(host, clientID)
		desiredChanged = res.WasPresent && res.LeaseCount == 0
	}
	if err != nil {
		writeErr(w, http.StatusNotFound, "UnknownEntity", err.Error())
		return
	}

	s.controller.Evaluate(host, s.registry.Desired(host), s.monitor.Online(host))

	async := r.URL.Query().Get("async") == "true"
	if async || !desiredChanged {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), m2mAwaitDeadline)
	defer cancel()

	if s.awaitEffect(ctx, host, action) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
}

// awaitEffect blocks until host reaches the observed state the action
// implies, or ctx expires. take awaits online=true; release awaits
// either online=false or the controller reaching OFF_IDLE.
func (s *Server) awaitEffect(ctx context.Context, host, action string) bool {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if action == "take" && s.monitor.Online(host) {
			return true
		}
		if action == "release" {
			if !s.monitor.Online(host) || s.controller.State(host) == "" {
				return true
			}
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// handleM2MTestWol implements POST /api/m2m/test_wol?port=P, driving the
// agent's self-test against the caller's source address.
func (s *Server) handleM2MTestWol(w http.ResponseWriter, r *http.Request) {
	portStr := r.URL.Query().Get("port")
	port := wol.Port
	if portStr != "" {
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			writeErr(w, http.StatusBadRequest, "BadRequest", "invalid port")
			return
		}
	}

	result, err := wol.RunSelfTest(r.Context(), port, 2*time.Second)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// pushSubscribeRequest is the body a browser posts to subscribe its
// service worker's Web-Push endpoint.
type pushSubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	var req pushSubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "BadRequest", "invalid subscription body")
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		writeErr(w, http.StatusBadRequest, "BadRequest", "missing endpoint or keys")
		return
	}

	if err := s.pushStore.AddSubscription(r.Context(), req.Endpoint, req.Keys.P256dh, req.Keys.Auth); err != nil {
		writeErr(w, http.StatusInternalServerError, "InternalError", "could not store subscription")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "subscribed"})
}

// requestID generates a correlation ID for a single M2M request, attached
// to every log line the handler emits for it.
func requestID() string {
	return uuid.NewString()
}
