package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rangeops/rangehub/internal/config"
	"github.com/rangeops/rangehub/internal/domain"
)

func tokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-token",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, api *httptest.Server) *Client {
	t.Helper()
	return NewClient(config.IdentityConfig{
		BaseURL:        api.URL,
		TokenURL:       tokenServer(t).URL + "/oauth/token",
		ClientID:       "rangehub",
		ClientSecret:   "shh",
		TimeoutSeconds: 5,
	})
}

func TestCreateUserSendsBearerToken(t *testing.T) {
	var gotAuth, gotPath, gotMethod string
	var gotBody map[string]string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotMethod = r.Method
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer api.Close()

	c := newTestClient(t, api)
	if err := c.CreateUser(context.Background(), "jdoe", "s3cret"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want Bearer test-token", gotAuth)
	}
	if gotMethod != http.MethodPost || gotPath != "/api/users" {
		t.Errorf("request = %s %s, want POST /api/users", gotMethod, gotPath)
	}
	if gotBody["username"] != "jdoe" || gotBody["password"] != "s3cret" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestUpdatePasswordHitsUserPath(t *testing.T) {
	var gotPath, gotMethod string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer api.Close()

	c := newTestClient(t, api)
	if err := c.UpdatePassword(context.Background(), "jdoe", "newpw"); err != nil {
		t.Fatalf("UpdatePassword: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/api/users/jdoe/password" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
}

func TestDeleteUserTreatsMissingAsDeleted(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such user", http.StatusNotFound)
	}))
	defer api.Close()

	c := newTestClient(t, api)
	if err := c.DeleteUser(context.Background(), "ghost"); err != nil {
		t.Fatalf("DeleteUser on missing user: %v", err)
	}
}

func TestServerErrorsAreTransient(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer api.Close()

	c := newTestClient(t, api)
	err := c.CreateUser(context.Background(), "jdoe", "pw")
	if !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestClientErrorsArePermanent(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "username too long", http.StatusUnprocessableEntity)
	}))
	defer api.Close()

	c := newTestClient(t, api)
	err := c.CreateUser(context.Background(), "jdoe", "pw")
	if !errors.Is(err, domain.ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if errors.Is(err, domain.ErrTransient) {
		t.Error("permanent error must not classify as transient")
	}
}

func TestConnectionFailureIsTransient(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	api.Close()

	c := newTestClient(t, api)
	err := c.CreateUser(context.Background(), "jdoe", "pw")
	if !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("expected transient error for dead host, got %v", err)
	}
}

func TestIsReachable(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("probe path = %s, want /health", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	if err := newTestClient(t, healthy).IsReachable(context.Background()); err != nil {
		t.Errorf("healthy provider reported unreachable: %v", err)
	}

	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "db down", http.StatusInternalServerError)
	}))
	defer sick.Close()

	if err := newTestClient(t, sick).IsReachable(context.Background()); err == nil {
		t.Error("500 health response must report unreachable")
	}

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()
	if err := newTestClient(t, dead).IsReachable(context.Background()); err == nil {
		t.Error("dead provider must report unreachable")
	}
}
