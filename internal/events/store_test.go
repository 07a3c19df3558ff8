package events

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/rangeops/rangehub/internal/domain"
)

func newStoreMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := NewStore(db)
	store.SetNow(func() time.Time { return time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC) })
	return store, mock
}

type recordedAudit struct {
	actions []string
	details []map[string]string
}

func (r *recordedAudit) MustRecord(ctx context.Context, action string, actorUserID *int64, target string, details map[string]string) {
	r.actions = append(r.actions, action)
	r.details = append(r.details, details)
}

var eventCols = []string{"id", "year", "slug", "name", "starts_at", "ends_at",
	"registration_open", "test_mode", "is_active", "terms_version", "terms_body", "created_at"}

func eventRow(id int64, slug string, testMode, isActive bool) *sqlmock.Rows {
	starts := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(eventCols).
		AddRow(id, 2026, slug, "Range 2026", starts, starts.Add(72*time.Hour),
			true, testMode, isActive, "v3", "terms", starts.Add(-90*24*time.Hour))
}

func TestCreateRejectsBackwardsDates(t *testing.T) {
	store, _ := newStoreMock(t)

	starts := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	_, err := store.Create(context.Background(), &domain.Event{
		Year: 2026, Slug: "range-2026", Name: "Range 2026",
		StartsAt: starts, EndsAt: starts.Add(-time.Hour),
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestActivateDeactivatesOthersInOneTransaction(t *testing.T) {
	store, mock := newStoreMock(t)

	auditLog := &recordedAudit{}
	store.SetAudit(auditLog)

	var hooked *domain.Event
	store.SetInvitationHook(func(ev *domain.Event) { hooked = ev })

	mock.ExpectBegin()
	mock.ExpectExec("SET is_active = FALSE WHERE is_active").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SET is_active = TRUE").
		WithArgs(int64(4)).
		WillReturnRows(eventRow(4, "range-2026", false, true))
	mock.ExpectCommit()

	actor := int64(1)
	ev, err := store.Activate(context.Background(), 4, &actor)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if !ev.IsActive {
		t.Error("returned event not active")
	}
	if len(auditLog.actions) != 1 || auditLog.actions[0] != domain.AuditEventActivated {
		t.Errorf("audit actions = %v", auditLog.actions)
	}
	if hooked == nil || hooked.ID != 4 {
		t.Error("invitation hook did not receive the activated event")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestActivateUnknownEventRollsBack(t *testing.T) {
	store, mock := newStoreMock(t)

	hookFired := false
	store.SetInvitationHook(func(ev *domain.Event) { hookFired = true })

	mock.ExpectBegin()
	mock.ExpectExec("SET is_active = FALSE WHERE is_active").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SET is_active = TRUE").
		WithArgs(int64(99)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.Activate(context.Background(), 99, nil)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if hookFired {
		t.Error("invitation hook fired for failed activation")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSetTestModeSchedulesSweepOnlyWhenActive(t *testing.T) {
	store, mock := newStoreMock(t)

	var hooks int
	store.SetInvitationHook(func(ev *domain.Event) { hooks++ })

	mock.ExpectQuery("SET test_mode = \\$2").
		WithArgs(int64(4), true).
		WillReturnRows(eventRow(4, "range-2026", true, true))
	if _, err := store.SetTestMode(context.Background(), 4, true, nil); err != nil {
		t.Fatalf("SetTestMode active: %v", err)
	}
	if hooks != 1 {
		t.Errorf("hooks after active toggle = %d, want 1", hooks)
	}

	mock.ExpectQuery("SET test_mode = \\$2").
		WithArgs(int64(7), true).
		WillReturnRows(eventRow(7, "range-2025", true, false))
	if _, err := store.SetTestMode(context.Background(), 7, true, nil); err != nil {
		t.Fatalf("SetTestMode inactive: %v", err)
	}
	if hooks != 1 {
		t.Errorf("inactive event scheduled a sweep: hooks = %d", hooks)
	}
}

func TestGetActiveNilWhenNoneActive(t *testing.T) {
	store, mock := newStoreMock(t)

	mock.ExpectQuery("WHERE is_active").WillReturnError(sql.ErrNoRows)

	ev, err := store.GetActive(context.Background())
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if ev != nil {
		t.Errorf("expected nil event, got %+v", ev)
	}
}
