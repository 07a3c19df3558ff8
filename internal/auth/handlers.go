package auth

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rangeops/rangehub/internal/config"
	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/pkg/httputil"
	"github.com/rangeops/rangehub/internal/users"
)

// resetTokenTTL bounds how long a password-reset link stays usable.
const resetTokenTTL = time.Hour

// resetTokenPrefix tags reset tokens so credential ciphertext minted by
// the same codec can never be replayed as a reset.
const resetTokenPrefix = "pwreset:"

// SessionStore is the session persistence the handlers need.
type SessionStore interface {
	Create(ctx context.Context, userID int64, ttl time.Duration, ip, userAgent string) (*domain.Session, error)
	Get(ctx context.Context, id string) (*domain.Session, error)
	Delete(ctx context.Context, id string) error
	DeleteForUser(ctx context.Context, userID int64) (int64, error)
}

// UserSource is the slice of the user store the handlers need.
type UserSource interface {
	GetByID(ctx context.Context, id int64) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	SetPasswordHash(ctx context.Context, userID int64, hash string) error
}

// Dispatcher enqueues workflow email, here only the reset message.
type Dispatcher interface {
	Trigger(ctx context.Context, triggerEvent string, userID int64, vars map[string]string, force bool) (int, error)
}

// Auditor records security-relevant actions.
type Auditor interface {
	MustRecord(ctx context.Context, action string, actorUserID *int64, target string, details map[string]string)
}

// ResetCodec mints and verifies the password-reset token.
type ResetCodec interface {
	Encrypt(plaintext string) (string, error)
	DecryptWithTTL(token string, ttl time.Duration) (string, error)
}

// Handler serves login, logout, and password reset, and gates the admin
// API through RequireSession / RequireAdmin.
type Handler struct {
	sessions   SessionStore
	users      UserSource
	limiter    LoginLimiter
	dispatcher Dispatcher
	audit      Auditor
	codec      ResetCodec
	cfg        config.AuthConfig
	baseURL    string
}

// NewHandler wires the auth surface.
func NewHandler(sessions SessionStore, userSource UserSource, limiter LoginLimiter,
	dispatcher Dispatcher, audit Auditor, codec ResetCodec, cfg config.AuthConfig, baseURL string) *Handler {
	return &Handler{
		sessions:   sessions,
		users:      userSource,
		limiter:    limiter,
		dispatcher: dispatcher,
		audit:      audit,
		codec:      codec,
		cfg:        cfg,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// RegisterRoutes mounts the public auth endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/auth/login", h.Login)
	r.Post("/auth/logout", h.Logout)
	r.Post("/auth/password-reset", h.RequestPasswordReset)
	r.Post("/auth/password-reset/confirm", h.ConfirmPasswordReset)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login verifies credentials and sets the session cookie. Every failure
// path returns the same neutral 401 so responses never separate "no such
// account" from "wrong password".
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		httputil.BadRequest(w, "email and password are required")
		return
	}

	ctx := r.Context()
	normalized := users.NormalizeEmail(req.Email)
	ip := httputil.ClientIP(r)

	if !h.limiter.Allow(ctx, limiterKey(normalized, ip)) {
		h.audit.MustRecord(ctx, domain.AuditLoginRateLimited, nil,
			"email:"+normalized, map[string]string{"ip": ip})
		httputil.Error(w, http.StatusTooManyRequests, "too many attempts, try again later")
		return
	}

	u, err := h.users.GetByEmail(ctx, req.Email)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if u == nil || !u.IsActive || u.PasswordHash == nil || !users.CheckPassword(*u.PasswordHash, req.Password) {
		h.audit.MustRecord(ctx, domain.AuditLoginFailed, nil,
			"email:"+normalized, map[string]string{"ip": ip})
		httputil.Error(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	sess, err := h.sessions.Create(ctx, u.ID, h.cfg.SessionExpiry(), ip, r.UserAgent())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    sess.ID,
		Path:     "/",
		MaxAge:   int(h.cfg.SessionExpiry().Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	log.Printf("[Auth] User %d (%s) logged in from %s", u.ID, u.Role, ip)
	httputil.OK(w, u)
}

// Logout deletes the session and clears the cookie. Succeeds no matter
// what the cookie held.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(h.cfg.CookieName); err == nil && cookie.Value != "" {
		if err := h.sessions.Delete(r.Context(), cookie.Value); err != nil {
			httputil.InternalError(w, err)
			return
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:   h.cfg.CookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	httputil.NoContent(w)
}

type passwordResetRequest struct {
	Email string `json:"email"`
}

// RequestPasswordReset enqueues the reset email when the account exists.
// The response is success-shaped in every case, including throttled and
// unknown addresses, so the endpoint cannot be used to enumerate accounts.
func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Email == "" {
		httputil.BadRequest(w, "email is required")
		return
	}

	ctx := r.Context()
	normalized := users.NormalizeEmail(req.Email)
	ip := httputil.ClientIP(r)

	if !h.limiter.Allow(ctx, "reset:"+limiterKey(normalized, ip)) {
		log.Printf("[Auth] Password reset throttled for %s from %s", normalized, ip)
		httputil.OK(w, map[string]string{"status": "ok"})
		return
	}

	u, err := h.users.GetByEmail(ctx, req.Email)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if u == nil || !u.IsActive {
		h.audit.MustRecord(ctx, domain.AuditPasswordResetRequested, nil,
			"email:"+normalized, map[string]string{"ip": ip, "known": "false"})
		httputil.OK(w, map[string]string{"status": "ok"})
		return
	}

	token, err := h.codec.Encrypt(resetTokenPrefix + strconv.FormatInt(u.ID, 10))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	vars := map[string]string{
		"reset_url": h.baseURL + "/reset?token=" + url.QueryEscape(token),
	}
	// force skips the recent-send window: a user who asks twice gets the
	// second mail. The queue's pending-row dedupe still absorbs doubles.
	if _, err := h.dispatcher.Trigger(ctx, "password_reset", u.ID, vars, true); err != nil {
		log.Printf("[Auth] Password reset enqueue for user %d failed: %v", u.ID, err)
	}
	h.audit.MustRecord(ctx, domain.AuditPasswordResetRequested, nil,
		"user:"+strconv.FormatInt(u.ID, 10), map[string]string{"ip": ip, "known": "true"})
	httputil.OK(w, map[string]string{"status": "ok"})
}

type passwordResetConfirm struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// ConfirmPasswordReset verifies the emailed token, stores the new hash,
// and revokes every live session of the account. Tokens stay valid until
// their TTL lapses; there is no single-use ledger for them.
func (h *Handler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetConfirm
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.Password) < 8 {
		httputil.BadRequest(w, "password must be at least 8 characters")
		return
	}

	ctx := r.Context()
	payload, err := h.codec.DecryptWithTTL(req.Token, resetTokenTTL)
	if err != nil {
		httputil.Error(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	idStr, ok := strings.CutPrefix(payload, resetTokenPrefix)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	userID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		httputil.Error(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	u, err := h.users.GetByID(ctx, userID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if u == nil || !u.IsActive {
		httputil.Error(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	hash, err := users.HashPassword(req.Password)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if err := h.users.SetPasswordHash(ctx, u.ID, hash); err != nil {
		httputil.InternalError(w, err)
		return
	}
	if _, err := h.sessions.DeleteForUser(ctx, u.ID); err != nil {
		log.Printf("[Auth] Session revocation after reset for user %d failed: %v", u.ID, err)
	}

	h.audit.MustRecord(ctx, domain.AuditPasswordResetCompleted, &u.ID,
		"user:"+strconv.FormatInt(u.ID, 10), map[string]string{"ip": httputil.ClientIP(r)})
	log.Printf("[Auth] User %d completed a password reset", u.ID)
	httputil.OK(w, map[string]string{"status": "ok"})
}

// RequireSession rejects requests without a live session cookie and puts
// the resolved user on the request context.
func (h *Handler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(h.cfg.CookieName)
		if err != nil || cookie.Value == "" {
			httputil.Error(w, http.StatusUnauthorized, "authentication required")
			return
		}
		sess, err := h.sessions.Get(r.Context(), cookie.Value)
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		if sess == nil {
			httputil.Error(w, http.StatusUnauthorized, "authentication required")
			return
		}
		u, err := h.users.GetByID(r.Context(), sess.UserID)
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		if u == nil || !u.IsActive {
			httputil.Error(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(httputil.ContextWithUser(r.Context(), u)))
	})
}

// RequireAdmin gates a subtree to admin accounts. Must run inside
// RequireSession.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := httputil.UserFromContext(r.Context())
		if u == nil {
			httputil.Error(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if u.Role != domain.RoleAdmin {
			httputil.Error(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SessionCleanupJob deletes expired session rows. Registered hourly on
// the worker.
type SessionCleanupJob struct {
	sessions interface {
		DeleteExpired(ctx context.Context) (int64, error)
	}
}

// NewSessionCleanupJob wires the hourly cleanup.
func NewSessionCleanupJob(store *Store) *SessionCleanupJob {
	return &SessionCleanupJob{sessions: store}
}

// Run performs one cleanup pass.
func (j *SessionCleanupJob) Run(ctx context.Context) error {
	n, err := j.sessions.DeleteExpired(ctx)
	if err != nil {
		return fmt.Errorf("session cleanup: %w", err)
	}
	if n > 0 {
		log.Printf("[Auth] Session cleanup removed %d expired rows", n)
	}
	return nil
}
