package coordinator

import (
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

// Session represents an interactive dashboard session. Authorization of
// interactive UI users is a non-goal of the core; this exists only so the
// dashboard binary has a login surface in front of the protected API.
type Session struct {
	ID        string
	CSRFToken string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// RateLimiter tracks login attempts per source IP within a rolling
// window.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow reports whether a request from ip is under the limit, recording
// the attempt if so.
func (r *RateLimiter) Allow(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.attempts[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.attempts[ip] = recent
		return false
	}

	r.attempts[ip] = append(recent, now)
	return true
}

// Reset clears attempts for an IP, called on successful login.
func (r *RateLimiter) Reset(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, ip)
}

// AuthService handles interactive dashboard authentication.
type AuthService struct {
	cfg         *DashboardConfig
	db          *sql.DB
	rateLimiter *RateLimiter
}

// NewAuthService creates a new auth service.
func NewAuthService(cfg *DashboardConfig, db *sql.DB) *AuthService {
	return &AuthService{
		cfg:         cfg,
		db:          db,
		rateLimiter: NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
	}
}

// CheckPassword verifies password against the configured bcrypt hash.
func (a *AuthService) CheckPassword(password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(a.cfg.PasswordHash), []byte(password))
	return err == nil
}

// CheckTOTP verifies a TOTP code, or passes unconditionally if TOTP isn't
// configured.
func (a *AuthService) CheckTOTP(code string) bool {
	if !a.cfg.HasTOTP() {
		return true
	}
	return totp.Validate(code, a.cfg.TOTPSecret)
}

// CreateSession creates and persists a new session.
func (a *AuthService) CreateSession() (*Session, error) {
	sessionID, err := generateSecureToken(32)
	if err != nil {
		return nil, err
	}
	csrfToken, err := generateSecureToken(32)
	if err != nil {
		return nil, err
	}

	session := &Session{
		ID:        sessionID,
		CSRFToken: csrfToken,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(a.cfg.SessionDuration),
	}

	_, err = a.db.Exec(
		`INSERT INTO sessions (id, csrf_token, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		session.ID, session.CSRFToken, session.CreatedAt, session.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	return session, nil
}

// GetSession retrieves a session, deleting and reporting sql.ErrNoRows if
// it has expired.
func (a *AuthService) GetSession(sessionID string) (*Session, error) {
	session := &Session{}
	err := a.db.QueryRow(
		`SELECT id, csrf_token, created_at, expires_at FROM sessions WHERE id = ?`,
		sessionID,
	).Scan(&session.ID, &session.CSRFToken, &session.CreatedAt, &session.ExpiresAt)
	if err != nil {
		return nil, err
	}

	if time.Now().After(session.ExpiresAt) {
		_ = a.DeleteSession(sessionID)
		return nil, sql.ErrNoRows
	}

	return session, nil
}

// DeleteSession removes a session.
func (a *AuthService) DeleteSession(sessionID string) error {
	_, err := a.db.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID)
	return err
}

// ValidateCSRF compares token against session's CSRF token in constant
// time.
func (a *AuthService) ValidateCSRF(session *Session, token string) bool {
	return subtle.ConstantTimeCompare([]byte(session.CSRFToken), []byte(token)) == 1
}

// IsRateLimited reports whether ip has exceeded the login rate limit.
func (a *AuthService) IsRateLimited(ip string) bool {
	return !a.rateLimiter.Allow(ip)
}

// ResetRateLimit clears the rate limit state for ip.
func (a *AuthService) ResetRateLimit(ip string) {
	a.rateLimiter.Reset(ip)
}

const sessionCookieName = "shuthost_session"

// SetSessionCookie sets the session cookie on the response.
func (a *AuthService) SetSessionCookie(w http.ResponseWriter, session *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		Expires:  session.ExpiresAt,
	})
}

// ClearSessionCookie clears the session cookie.
func (a *AuthService) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   a.cfg.CookieSecure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

// GetSessionFromRequest extracts and looks up the session named by r's
// cookie.
func (a *AuthService) GetSessionFromRequest(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, err
	}
	return a.GetSession(cookie.Value)
}

func generateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

// GenerateCSRFToken generates a fresh CSRF token as a hex string.
func GenerateCSRFToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
