package license

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/tokens"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := NewStore(db)
	store.SetNow(func() time.Time { return testNow })
	return store, mock
}

func productRow(id int64, maxConcurrent int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "license_blob", "max_concurrent",
		"slot_ttl_seconds", "token_ttl_seconds", "is_active", "created_at",
	}).AddRow(id, "cobalt", "BLOB-DATA", maxConcurrent, 7200, 7200, true, testNow)
}

func TestGenerateTokenStoresHashOnly(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectQuery("SELECT (.+) FROM license_products").
		WithArgs(int64(1)).
		WillReturnRows(productRow(1, 2))

	mock.ExpectQuery("INSERT INTO license_tokens").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))

	raw, tok, err := store.GenerateToken(context.Background(), 1, nil)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if raw == "" {
		t.Fatal("raw token must be returned")
	}
	if tok.TokenHash == raw {
		t.Error("raw token must not be stored")
	}
	if tok.TokenHash != tokens.Hash(raw) {
		t.Error("stored hash must be the SHA-256 hex of the raw token")
	}
	if !tok.ExpiresAt.Equal(testNow.Add(2 * time.Hour)) {
		t.Errorf("expiry must come from the product token TTL, got %s", tok.ExpiresAt)
	}
}

func TestGenerateTokenUnknownProduct(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectQuery("SELECT (.+) FROM license_products").
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "license_blob", "max_concurrent",
			"slot_ttl_seconds", "token_ttl_seconds", "is_active", "created_at",
		}))

	_, _, err := store.GenerateToken(context.Background(), 99, nil)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestValidateAndConsumeHappyPath(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT t.id, t.used, t.expires_at").
		WillReturnRows(sqlmock.NewRows([]string{"id", "used", "expires_at", "license_blob", "is_active"}).
			AddRow(int64(10), false, testNow.Add(time.Hour), "BLOB-DATA", true))
	mock.ExpectExec("UPDATE license_tokens").
		WithArgs(int64(10), testNow, "10.0.0.5").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	blob, err := store.ValidateAndConsume(context.Background(), "raw-token", "10.0.0.5")
	if err != nil {
		t.Fatalf("ValidateAndConsume: %v", err)
	}
	if blob != "BLOB-DATA" {
		t.Errorf("expected blob, got %q", blob)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestValidateAndConsumeSecondCallIsSpent(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT t.id, t.used, t.expires_at").
		WillReturnRows(sqlmock.NewRows([]string{"id", "used", "expires_at", "license_blob", "is_active"}).
			AddRow(int64(10), true, testNow.Add(time.Hour), "BLOB-DATA", true))
	mock.ExpectRollback()

	_, err := store.ValidateAndConsume(context.Background(), "raw-token", "10.0.0.5")
	if !errors.Is(err, domain.ErrTokenSpent) {
		t.Fatalf("expected ErrTokenSpent, got %v", err)
	}
}

func TestValidateAndConsumeExpired(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT t.id, t.used, t.expires_at").
		WillReturnRows(sqlmock.NewRows([]string{"id", "used", "expires_at", "license_blob", "is_active"}).
			AddRow(int64(10), false, testNow.Add(-time.Minute), "BLOB-DATA", true))
	mock.ExpectRollback()

	_, err := store.ValidateAndConsume(context.Background(), "raw-token", "10.0.0.5")
	if !errors.Is(err, domain.ErrTokenSpent) {
		t.Fatalf("expected ErrTokenSpent for expired token, got %v", err)
	}
}

func TestValidateAndConsumeUnknownTokenIsNeutral(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT t.id, t.used, t.expires_at").
		WillReturnRows(sqlmock.NewRows([]string{"id", "used", "expires_at", "license_blob", "is_active"}))
	mock.ExpectRollback()

	_, err := store.ValidateAndConsume(context.Background(), "no-such-token", "10.0.0.5")
	if !errors.Is(err, domain.ErrTokenSpent) {
		t.Fatalf("unknown token must look like a spent token, got %v", err)
	}
}

func TestValidateBearerAcceptsConsumedLiveToken(t *testing.T) {
	store, mock := setupStore(t)

	usedAt := testNow.Add(-10 * time.Minute)
	mock.ExpectQuery("SELECT id, token_hash, product_id").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "token_hash", "product_id", "instance_id", "used", "used_at", "used_by_ip", "expires_at", "created_at",
		}).AddRow(int64(10), tokens.Hash("raw"), int64(1), nil, true, usedAt, "10.0.0.5",
			testNow.Add(time.Hour), testNow.Add(-time.Hour)))

	tok, err := store.ValidateBearer(context.Background(), "raw")
	if err != nil {
		t.Fatalf("ValidateBearer: %v", err)
	}
	if tok.ProductID != 1 {
		t.Errorf("unexpected product id %d", tok.ProductID)
	}
}

func TestValidateBearerRejectsExpired(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectQuery("SELECT id, token_hash, product_id").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "token_hash", "product_id", "instance_id", "used", "used_at", "used_by_ip", "expires_at", "created_at",
		}).AddRow(int64(10), tokens.Hash("raw"), int64(1), nil, false, nil, nil,
			testNow.Add(-time.Second), testNow.Add(-3*time.Hour)))

	_, err := store.ValidateBearer(context.Background(), "raw")
	if !errors.Is(err, domain.ErrTokenSpent) {
		t.Fatalf("expected ErrTokenSpent, got %v", err)
	}
}

func TestAcquireGrantsUnderCap(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT max_concurrent, slot_ttl_seconds, is_active").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"max_concurrent", "slot_ttl_seconds", "is_active"}).
			AddRow(2, 7200, true))
	mock.ExpectExec("UPDATE license_slots").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec("INSERT INTO license_slots").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	res, err := store.Acquire(context.Background(), 1, "kali-07", "10.0.0.7")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !res.Granted || res.SlotID == "" {
		t.Fatalf("expected grant, got %+v", res)
	}
	if res.Active != 2 || res.Max != 2 {
		t.Errorf("expected active=2 max=2, got %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAcquireDeniedAtCap(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT max_concurrent, slot_ttl_seconds, is_active").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"max_concurrent", "slot_ttl_seconds", "is_active"}).
			AddRow(2, 7200, true))
	mock.ExpectExec("UPDATE license_slots").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectCommit()

	res, err := store.Acquire(context.Background(), 1, "kali-08", "10.0.0.8")
	if err != nil {
		t.Fatalf("denied acquire is not an error: %v", err)
	}
	if res.Granted || !res.Wait {
		t.Fatalf("expected wait result, got %+v", res)
	}
	if res.RetryAfter != DeniedRetryAfter || res.Active != 2 || res.Max != 2 {
		t.Errorf("unexpected wait payload: %+v", res)
	}
}

func TestAcquireReapsExpiredLeasesFirst(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT max_concurrent, slot_ttl_seconds, is_active").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"max_concurrent", "slot_ttl_seconds", "is_active"}).
			AddRow(1, 7200, true))
	// One stale lease frees the only slot.
	mock.ExpectExec("UPDATE license_slots").
		WithArgs(int64(1), testNow, testNow.Add(-2*time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO license_slots").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	res, err := store.Acquire(context.Background(), 1, "kali-09", "10.0.0.9")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !res.Granted {
		t.Fatalf("expected grant after reap, got %+v", res)
	}
}

func TestReleaseIsTerminal(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectExec("UPDATE license_slots").
		WithArgs("slot-uuid", testNow, "success", 340).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Release(context.Background(), "slot-uuid", domain.SlotSuccess, 340); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// Second release matches no active row.
	mock.ExpectExec("UPDATE license_slots").
		WithArgs("slot-uuid", testNow, "success", 340).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Release(context.Background(), "slot-uuid", domain.SlotSuccess, 340)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second release must be not-found, got %v", err)
	}
}

func TestReaperRunOnce(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectExec("UPDATE license_slots s").
		WithArgs(testNow).
		WillReturnResult(sqlmock.NewResult(0, 3))

	reaper := NewReaper(store)
	if err := reaper.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
