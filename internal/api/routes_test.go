package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"

	"github.com/rangeops/rangehub/internal/audit"
	"github.com/rangeops/rangehub/internal/auth"
	"github.com/rangeops/rangehub/internal/config"
	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/events"
	"github.com/rangeops/rangehub/internal/instances"
	"github.com/rangeops/rangehub/internal/license"
	"github.com/rangeops/rangehub/internal/mailer"
	"github.com/rangeops/rangehub/internal/mailqueue"
	"github.com/rangeops/rangehub/internal/scheduler"
	"github.com/rangeops/rangehub/internal/users"
)

type fixedSessionStore struct {
	sessions map[string]*domain.Session
}

func (s *fixedSessionStore) Create(ctx context.Context, userID int64, ttl time.Duration, ip, userAgent string) (*domain.Session, error) {
	return nil, errors.New("not used")
}

func (s *fixedSessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	return s.sessions[id], nil
}

func (s *fixedSessionStore) Delete(ctx context.Context, id string) error { return nil }

func (s *fixedSessionStore) DeleteForUser(ctx context.Context, userID int64) (int64, error) {
	return 0, nil
}

type fixedUserSource struct {
	users map[int64]*domain.User
}

func (s *fixedUserSource) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	return s.users[id], nil
}

func (s *fixedUserSource) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return nil, nil
}

func (s *fixedUserSource) SetPasswordHash(ctx context.Context, userID int64, hash string) error {
	return nil
}

type allowAllLimiter struct{}

func (allowAllLimiter) Allow(ctx context.Context, key string) bool { return true }

type noopDispatcher struct{}

func (noopDispatcher) Trigger(ctx context.Context, triggerEvent string, userID int64, vars map[string]string, force bool) (int, error) {
	return 0, nil
}

type noopAuditor struct{}

func (noopAuditor) MustRecord(ctx context.Context, action string, actorUserID *int64, target string, details map[string]string) {
}

type noopCodec struct{}

func (noopCodec) Encrypt(plaintext string) (string, error) { return "", errors.New("not used") }

func (noopCodec) DecryptWithTTL(token string, ttl time.Duration) (string, error) {
	return "", errors.New("not used")
}

const testCookie = "rangehub_session"

// newRouterFixture assembles the full route tree over a sqlmock database
// and two canned sessions, one admin and one invitee.
func newRouterFixture(t *testing.T) (*chi.Mux, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sessions := &fixedSessionStore{sessions: map[string]*domain.Session{
		"sess-admin":   {ID: "sess-admin", UserID: 1, ExpiresAt: time.Now().Add(time.Hour)},
		"sess-invitee": {ID: "sess-invitee", UserID: 2, ExpiresAt: time.Now().Add(time.Hour)},
	}}
	userSrc := &fixedUserSource{users: map[int64]*domain.User{
		1: {ID: 1, Email: "admin@range.test", Role: domain.RoleAdmin, IsActive: true},
		2: {ID: 2, Email: "player@range.test", Role: domain.RoleInvitee, IsActive: true},
	}}

	cfg := config.ServerConfig{BaseURL: "http://localhost:8080"}
	authCfg := config.AuthConfig{CookieName: testCookie, SessionExpiryHours: 24}
	authHandler := auth.NewHandler(sessions, userSrc, allowAllLimiter{},
		noopDispatcher{}, noopAuditor{}, noopCodec{}, authCfg, cfg.BaseURL)

	queueStore := mailqueue.NewStore(db)
	usersStore := users.NewStore(db)

	deps := Deps{
		Auth:      authHandler,
		Events:    events.NewHandler(events.NewStore(db), nil),
		Users:     users.NewHandler(usersStore, sessions),
		Queue:     mailqueue.NewHandler(queueStore),
		License:   license.NewHandler(license.NewStore(db), noopAuditor{}),
		Instances: instances.NewHandler(instances.NewStore(db), nil, instances.Registry{}),
		Scheduler: scheduler.NewHandler(scheduler.NewStatusStore(db)),
		Audit:     audit.NewHandler(audit.NewStore(db)),
		Webhook:   mailer.NewWebhookHandler([]string{"hook-key"}, queueStore, usersStore, noopAuditor{}),
		Health:    NewHealthChecker(db, nil),
	}
	return SetupRoutes(cfg, deps), mock
}

func sessionRequest(method, target, sessionID string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: testCookie, Value: sessionID})
	}
	return req
}

func TestPublicRoutesNeedNoSession(t *testing.T) {
	router, _ := newRouterFixture(t)

	cases := []struct {
		method string
		target string
		want   int
	}{
		{http.MethodGet, "/health/live", http.StatusOK},
		{http.MethodPost, "/auth/login", http.StatusBadRequest},
		{http.MethodGet, "/license/blob", http.StatusUnauthorized},
		{http.MethodGet, "/cloud-init/vpn-config", http.StatusUnauthorized},
		{http.MethodPost, "/webhooks/mailer", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.target, nil))
		if rec.Code != tc.want {
			t.Errorf("%s %s = %d, want %d", tc.method, tc.target, rec.Code, tc.want)
		}
	}
}

func TestAPIRequiresSession(t *testing.T) {
	router, _ := newRouterFixture(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, sessionRequest(http.MethodGet, "/api/me", ""))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no cookie: status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, sessionRequest(http.MethodGet, "/api/me", "sess-forged"))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unknown session: status = %d, want 401", rec.Code)
	}
}

func TestMeAnswersSessionUser(t *testing.T) {
	router, _ := newRouterFixture(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, sessionRequest(http.MethodGet, "/api/me", "sess-invitee"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var u domain.User
	if err := json.Unmarshal(rec.Body.Bytes(), &u); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if u.Email != "player@range.test" || u.Role != domain.RoleInvitee {
		t.Errorf("user = %+v, want the invitee", u)
	}
}

func TestAdminTreeRejectsNonAdmins(t *testing.T) {
	router, _ := newRouterFixture(t)

	for _, target := range []string{"/api/users", "/api/events", "/api/queue/stats", "/api/audit"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, sessionRequest(http.MethodGet, target, "sess-invitee"))
		if rec.Code != http.StatusForbidden {
			t.Errorf("GET %s as invitee = %d, want 403", target, rec.Code)
		}
	}
}

func TestAdminTreeServesAdmins(t *testing.T) {
	router, mock := newRouterFixture(t)

	mock.ExpectQuery("SELECT (.+) FROM scheduler_status").
		WillReturnRows(sqlmock.NewRows(
			[]string{"service_name", "is_running", "jobs", "last_heartbeat"}).
			AddRow("worker", true, []byte("[]"), time.Now()))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, sessionRequest(http.MethodGet, "/api/scheduler/status", "sess-admin"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestHealthReportsDependencies(t *testing.T) {
	router, mock := newRouterFixture(t)

	// The queue and worker checks run concurrently.
	mock.MatchExpectationsInOrder(false)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM email_queue`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
	mock.ExpectQuery(`SELECT MAX\(last_heartbeat\) FROM scheduler_status`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(time.Now()))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if status.Status != "healthy" {
		t.Errorf("status = %q, want healthy: %+v", status.Status, status.Checks)
	}
	if status.Checks["redis"].Message != "not configured" {
		t.Errorf("redis check = %+v, want not configured", status.Checks["redis"])
	}
	if status.Checks["queue"].Status != "up" {
		t.Errorf("queue check = %+v, want up", status.Checks["queue"])
	}
}
