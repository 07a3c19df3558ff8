package users

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/rangeops/rangehub/internal/domain"
)

type stubUserStore struct {
	byID        map[int64]*domain.User
	created     []string
	createdRole domain.Role
	gotRole     domain.Role
	gotLimit    int
	setRoles    map[int64]domain.Role
	setRoleErr  error
	deactivated []int64
}

func (s *stubUserStore) Create(ctx context.Context, email, displayName string, role domain.Role, sponsorID *int64) (*domain.User, error) {
	if email == "" {
		return nil, domain.ErrValidation
	}
	s.created = append(s.created, email)
	s.createdRole = role
	return &domain.User{ID: 50, Email: email, DisplayName: displayName, Role: role, IsActive: true}, nil
}

func (s *stubUserStore) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	return s.byID[id], nil
}

func (s *stubUserStore) List(ctx context.Context, role domain.Role, limit, offset int) ([]domain.User, error) {
	s.gotRole = role
	s.gotLimit = limit
	out := make([]domain.User, 0, len(s.byID))
	for _, u := range s.byID {
		out = append(out, *u)
	}
	return out, nil
}

func (s *stubUserStore) SetRole(ctx context.Context, userID int64, role domain.Role) error {
	if s.setRoleErr != nil {
		return s.setRoleErr
	}
	if s.setRoles == nil {
		s.setRoles = map[int64]domain.Role{}
	}
	s.setRoles[userID] = role
	return nil
}

func (s *stubUserStore) Deactivate(ctx context.Context, userID int64) error {
	s.deactivated = append(s.deactivated, userID)
	return nil
}

type stubRevoker struct {
	revoked []int64
}

func (s *stubRevoker) DeleteForUser(ctx context.Context, userID int64) (int64, error) {
	s.revoked = append(s.revoked, userID)
	return 2, nil
}

func usersRouter(store *stubUserStore, revoker *stubRevoker) chi.Router {
	h := &Handler{store: store, sessions: revoker}
	r := chi.NewRouter()
	h.RegisterAdminRoutes(r)
	return r
}

func TestCreateUserDefaultsToInvitee(t *testing.T) {
	store := &stubUserStore{}
	router := usersRouter(store, &stubRevoker{})

	body := `{"email":"jane.doe@example.org","display_name":"Jane Doe"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/users", bytes.NewReader([]byte(body))))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if store.createdRole != domain.RoleInvitee {
		t.Errorf("role = %q, want invitee when omitted", store.createdRole)
	}
	var u domain.User
	if err := json.Unmarshal(rec.Body.Bytes(), &u); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if u.ID != 50 || u.Email != "jane.doe@example.org" {
		t.Errorf("user = %+v, want the created row", u)
	}
}

func TestListForwardsRoleFilter(t *testing.T) {
	store := &stubUserStore{byID: map[int64]*domain.User{}}
	router := usersRouter(store, &stubRevoker{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users?role=sponsor&limit=10", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if store.gotRole != domain.RoleSponsor || store.gotLimit != 10 {
		t.Errorf("filter = %q/%d, want sponsor/10", store.gotRole, store.gotLimit)
	}
}

func TestSetRoleEndpoint(t *testing.T) {
	t.Run("changes the role", func(t *testing.T) {
		store := &stubUserStore{}
		router := usersRouter(store, &stubRevoker{})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/users/8/role",
			bytes.NewReader([]byte(`{"role":"sponsor"}`))))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
		}
		if store.setRoles[8] != domain.RoleSponsor {
			t.Errorf("setRoles = %v, want 8 -> sponsor", store.setRoles)
		}
	})

	t.Run("unknown role answers 400", func(t *testing.T) {
		store := &stubUserStore{setRoleErr: domain.ErrValidation}
		router := usersRouter(store, &stubRevoker{})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/users/8/role",
			bytes.NewReader([]byte(`{"role":"emperor"}`))))

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
}

func TestDeactivateRevokesSessions(t *testing.T) {
	store := &stubUserStore{byID: map[int64]*domain.User{
		8: {ID: 8, Email: "s@example.org", Role: domain.RoleSponsor, IsActive: true},
	}}
	revoker := &stubRevoker{}
	router := usersRouter(store, revoker)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/users/8/deactivate", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204: %s", rec.Code, rec.Body.String())
	}
	if len(store.deactivated) != 1 || store.deactivated[0] != 8 {
		t.Errorf("deactivated = %v, want [8]", store.deactivated)
	}
	if len(revoker.revoked) != 1 || revoker.revoked[0] != 8 {
		t.Errorf("revoked = %v, want [8]: a disabled account must lose its sessions", revoker.revoked)
	}
}

func TestDeactivateUnknownUser(t *testing.T) {
	store := &stubUserStore{byID: map[int64]*domain.User{}}
	revoker := &stubRevoker{}
	router := usersRouter(store, revoker)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/users/999/deactivate", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if len(revoker.revoked) != 0 {
		t.Errorf("no sessions to revoke for an unknown user")
	}
}
