package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/rangeops/rangehub/internal/domain"
)

// StatusStore persists the per-service heartbeat row other processes and
// the admin API read to tell whether a worker is alive.
type StatusStore struct {
	db *sql.DB
}

// NewStatusStore creates a status store over the shared database handle.
func NewStatusStore(db *sql.DB) *StatusStore {
	return &StatusStore{db: db}
}

// Upsert writes the heartbeat row for serviceName.
func (st *StatusStore) Upsert(ctx context.Context, serviceName string, isRunning bool, jobs []domain.JobDescriptor, now time.Time) error {
	if jobs == nil {
		jobs = []domain.JobDescriptor{}
	}
	jobsJSON, err := json.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("marshal jobs: %w", err)
	}

	_, err = st.db.ExecContext(ctx, `
		INSERT INTO scheduler_status (service_name, is_running, jobs, last_heartbeat)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (service_name) DO UPDATE SET
			is_running = EXCLUDED.is_running,
			jobs = EXCLUDED.jobs,
			last_heartbeat = EXCLUDED.last_heartbeat`,
		serviceName, isRunning, jobsJSON, now)
	if err != nil {
		return fmt.Errorf("upsert scheduler status: %w", err)
	}
	return nil
}

// Get returns the heartbeat row for one service, or nil when absent.
func (st *StatusStore) Get(ctx context.Context, serviceName string) (*domain.SchedulerStatus, error) {
	row := st.db.QueryRowContext(ctx, `
		SELECT service_name, is_running, jobs, last_heartbeat
		FROM scheduler_status WHERE service_name = $1`, serviceName)
	return scanStatus(row)
}

// List returns all heartbeat rows.
func (st *StatusStore) List(ctx context.Context) ([]domain.SchedulerStatus, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT service_name, is_running, jobs, last_heartbeat
		FROM scheduler_status ORDER BY service_name`)
	if err != nil {
		return nil, fmt.Errorf("list scheduler status: %w", err)
	}
	defer rows.Close()

	var out []domain.SchedulerStatus
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanStatus(sc interface{ Scan(...any) error }) (*domain.SchedulerStatus, error) {
	var s domain.SchedulerStatus
	var jobsJSON []byte
	if err := sc.Scan(&s.ServiceName, &s.IsRunning, &jobsJSON, &s.LastHeartbeat); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan scheduler status: %w", err)
	}
	if len(jobsJSON) > 0 {
		if err := json.Unmarshal(jobsJSON, &s.Jobs); err != nil {
			return nil, fmt.Errorf("decode jobs: %w", err)
		}
	}
	return &s, nil
}

func (s *Scheduler) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.hbInterval)
	defer ticker.Stop()

	s.heartbeatOnce()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.heartbeatOnce()
		}
	}
}

func (s *Scheduler) heartbeatOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.status.Upsert(ctx, s.serviceName, true, s.Jobs(), s.clk.Now()); err != nil {
		log.Printf("[Scheduler] Heartbeat failed: %v", err)
	}
}
