package api

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestOverallStatusRules(t *testing.T) {
	cases := []struct {
		name   string
		checks map[string]ComponentCheck
		want   string
	}{
		{
			name: "all up",
			checks: map[string]ComponentCheck{
				"database": {Status: "up"},
				"queue":    {Status: "up"},
			},
			want: "healthy",
		},
		{
			name: "database down is fatal",
			checks: map[string]ComponentCheck{
				"database": {Status: "down", Message: "ping failed: refused"},
				"queue":    {Status: "up"},
			},
			want: "unhealthy",
		},
		{
			name: "unconfigured redis is ignored",
			checks: map[string]ComponentCheck{
				"database": {Status: "up"},
				"redis":    {Status: "down", Message: "not configured"},
			},
			want: "healthy",
		},
		{
			name: "degraded queue degrades the aggregate",
			checks: map[string]ComponentCheck{
				"database": {Status: "up"},
				"queue":    {Status: "degraded", Message: "high queue depth: 2000 pending"},
			},
			want: "degraded",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := overallStatus(tc.checks); got != tc.want {
				t.Errorf("overallStatus = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestWorkerCheckFlagsStaleHeartbeat(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT MAX\(last_heartbeat\) FROM scheduler_status`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(time.Now().Add(-30 * time.Minute)))

	hc := NewHealthChecker(db, nil)
	check := hc.checkWorker(context.Background())

	if check.Status != "degraded" {
		t.Errorf("status = %q, want degraded: %+v", check.Status, check)
	}
}

func TestWorkerCheckWithoutHeartbeats(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT MAX\(last_heartbeat\) FROM scheduler_status`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	hc := NewHealthChecker(db, nil)
	check := hc.checkWorker(context.Background())

	if check.Status != "degraded" || check.Message != "no heartbeats recorded" {
		t.Errorf("check = %+v, want degraded with no heartbeats recorded", check)
	}
}
