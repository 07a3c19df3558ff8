package events

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/secrets"
	"github.com/rangeops/rangehub/internal/users"
)

type fakeDirectory struct {
	user        *domain.User
	taken       map[string]bool
	gotHash     string
	gotUsername string
	gotEnc      string
}

func (f *fakeDirectory) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	if f.user != nil && f.user.ID == id {
		return f.user, nil
	}
	return nil, nil
}

func (f *fakeDirectory) PandasUsernameExists(ctx context.Context, username string) (bool, error) {
	return f.taken[username], nil
}

func (f *fakeDirectory) SetPasswordHash(ctx context.Context, userID int64, hash string) error {
	f.gotHash = hash
	return nil
}

func (f *fakeDirectory) SetPandasCredentials(ctx context.Context, userID int64, username, encPassword string) error {
	f.gotUsername = username
	f.gotEnc = encPassword
	return nil
}

type fakeSyncQueue struct {
	ops       []domain.SyncOperation
	usernames []string
	encs      []*string
}

func (f *fakeSyncQueue) QueueSync(ctx context.Context, userID int64, username string, encPassword *string, op domain.SyncOperation) error {
	f.ops = append(f.ops, op)
	f.usernames = append(f.usernames, username)
	f.encs = append(f.encs, encPassword)
	return nil
}

type fakeDispatcher struct {
	triggers []string
	vars     []map[string]string
	err      error
}

func (f *fakeDispatcher) Trigger(ctx context.Context, triggerEvent string, userID int64, vars map[string]string, force bool) (int, error) {
	f.triggers = append(f.triggers, triggerEvent)
	f.vars = append(f.vars, vars)
	if f.err != nil {
		return 0, f.err
	}
	return 1, nil
}

func confirmerFixture(t *testing.T) (*Confirmer, sqlmock.Sqlmock, *fakeDirectory, *fakeSyncQueue, *fakeDispatcher, *secrets.Codec) {
	t.Helper()
	store, mock := newStoreMock(t)

	key, err := secrets.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	codec, err := secrets.NewCodec(key)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}

	dir := &fakeDirectory{
		user: &domain.User{
			ID: 7, Email: "jane.doe@example.org", DisplayName: "Jane Doe",
			Role: domain.RoleInvitee, EmailStatus: domain.EmailOK, IsActive: true,
		},
		taken: map[string]bool{},
	}
	sync := &fakeSyncQueue{}
	disp := &fakeDispatcher{}
	c := NewConfirmer(store, dir, sync, codec, disp, "https://range.example.org/login")
	return c, mock, dir, sync, disp, codec
}

func TestConfirmMintsCredentialsAndQueuesSync(t *testing.T) {
	c, mock, dir, sync, disp, codec := confirmerFixture(t)

	mock.ExpectQuery("WHERE confirmation_code").
		WithArgs("code-a").
		WillReturnRows(participationRow(1, 7, 4, "invited", "code-a"))
	mock.ExpectQuery("SET status = 'confirmed', confirmed_at").
		WithArgs(int64(1), sqlmock.AnyArg()).
		WillReturnRows(participationRow(1, 7, 4, "confirmed", "code-a"))

	p, err := c.Confirm(context.Background(), "code-a")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if p.Status != domain.ParticipationConfirmed {
		t.Errorf("status = %q, want confirmed", p.Status)
	}

	if dir.gotUsername != "jdoe" {
		t.Errorf("derived username = %q, want jdoe", dir.gotUsername)
	}

	// The bcrypt hash and the fernet ciphertext hold the same plaintext.
	plain, err := codec.Decrypt(dir.gotEnc)
	if err != nil {
		t.Fatalf("stored ciphertext does not decrypt: %v", err)
	}
	if !users.CheckPassword(dir.gotHash, plain) {
		t.Error("bcrypt hash does not match the encrypted credential")
	}

	if len(sync.ops) != 1 || sync.ops[0] != domain.SyncCreate {
		t.Errorf("sync ops = %v, want [create]", sync.ops)
	}
	if sync.usernames[0] != "jdoe" || sync.encs[0] == nil {
		t.Errorf("sync payload = %q %v", sync.usernames[0], sync.encs[0])
	}

	if len(disp.triggers) != 1 || disp.triggers[0] != "user_confirmed" {
		t.Errorf("triggers = %v", disp.triggers)
	}
	if disp.vars[0]["login_url"] != "https://range.example.org/login" {
		t.Errorf("login_url var = %q", disp.vars[0]["login_url"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestConfirmIsIdempotent(t *testing.T) {
	c, mock, dir, sync, disp, _ := confirmerFixture(t)

	mock.ExpectQuery("WHERE confirmation_code").
		WithArgs("code-a").
		WillReturnRows(participationRow(1, 7, 4, "confirmed", "code-a"))

	p, err := c.Confirm(context.Background(), "code-a")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if p.Status != domain.ParticipationConfirmed {
		t.Errorf("status = %q", p.Status)
	}
	if dir.gotHash != "" || dir.gotUsername != "" {
		t.Error("second confirm must not re-mint credentials")
	}
	if len(sync.ops) != 0 {
		t.Errorf("second confirm queued sync ops: %v", sync.ops)
	}
	if len(disp.triggers) != 0 {
		t.Errorf("second confirm fired triggers: %v", disp.triggers)
	}
}

func TestConfirmUnknownCode(t *testing.T) {
	c, mock, _, _, _, _ := confirmerFixture(t)

	mock.ExpectQuery("WHERE confirmation_code").
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := c.Confirm(context.Background(), "nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestConfirmSuffixesUsernameOnCollision(t *testing.T) {
	c, mock, dir, _, _, _ := confirmerFixture(t)
	dir.taken["jdoe"] = true
	dir.taken["jdoe2"] = true

	mock.ExpectQuery("WHERE confirmation_code").
		WithArgs("code-a").
		WillReturnRows(participationRow(1, 7, 4, "invited", "code-a"))
	mock.ExpectQuery("SET status = 'confirmed', confirmed_at").
		WithArgs(int64(1), sqlmock.AnyArg()).
		WillReturnRows(participationRow(1, 7, 4, "confirmed", "code-a"))

	if _, err := c.Confirm(context.Background(), "code-a"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if dir.gotUsername != "jdoe3" {
		t.Errorf("username = %q, want jdoe3", dir.gotUsername)
	}
}

func TestConfirmSurvivesEmailFailure(t *testing.T) {
	c, mock, _, _, disp, _ := confirmerFixture(t)
	disp.err = errors.New("queue down")

	mock.ExpectQuery("WHERE confirmation_code").
		WithArgs("code-a").
		WillReturnRows(participationRow(1, 7, 4, "invited", "code-a"))
	mock.ExpectQuery("SET status = 'confirmed', confirmed_at").
		WithArgs(int64(1), sqlmock.AnyArg()).
		WillReturnRows(participationRow(1, 7, 4, "confirmed", "code-a"))

	p, err := c.Confirm(context.Background(), "code-a")
	if err != nil {
		t.Fatalf("confirmation must not fail on email enqueue failure: %v", err)
	}
	if p.Status != domain.ParticipationConfirmed {
		t.Errorf("status = %q", p.Status)
	}
}
