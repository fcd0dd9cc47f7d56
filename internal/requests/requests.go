package requests

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/janLo/punkow/internal/db"
)

type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateSuccess    State = "success"
	StateCancelled  State = "cancelled"
	StateTimeout    State = "timeout"
	StateError      State = "error"
)

// Request is one applicant waiting for an appointment at a target. The
// target is the calendar entry-point URL of the offering. Name and email
// come from the joined request_data row and are empty once resolved, since
// personal data is dropped at resolution time.
type Request struct {
	ID     int64
	Key    string
	Target string
	State  State

	Name  string
	Email string

	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// Expired describes a request that ran past the retention cutoff.
type Expired struct {
	ID    int64
	Key   string
	Email string
}

type Repo struct{ db *db.DB }

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

// Create enqueues a new request. Duplicate open requests for the same
// target/name/email combination are rejected.
func (r *Repo) Create(ctx context.Context, target, name, email string, termsAccepted bool) (Request, error) {
	if target == "" {
		return Request{}, fmt.Errorf("target required")
	}
	if name == "" || email == "" {
		return Request{}, fmt.Errorf("name and email required")
	}
	if !termsAccepted {
		return Request{}, fmt.Errorf("terms not accepted")
	}

	var exists bool
	err := r.db.QueryRow(ctx, `
SELECT EXISTS(
  SELECT 1 FROM requests r
  JOIN request_data d ON d.request_id = r.id
  WHERE r.target=$1 AND d.name=$2 AND d.email=$3 AND r.resolved_at IS NULL)`,
		target, name, email).Scan(&exists)
	if err != nil {
		return Request{}, db.WrapNotFound(err)
	}
	if exists {
		return Request{}, fmt.Errorf("open request with this data already exists")
	}

	req := Request{
		Key:    uuid.NewString(),
		Target: target,
		State:  StateQueued,
		Name:   name,
		Email:  email,
	}
	err = r.db.QueryRow(ctx, `
INSERT INTO requests(key, target, state) VALUES ($1,$2,'queued')
RETURNING id, created_at`, req.Key, req.Target).Scan(&req.ID, &req.CreatedAt)
	if err != nil {
		return Request{}, db.WrapNotFound(err)
	}
	if err := r.db.Exec(ctx, `
INSERT INTO request_data(request_id, name, email, terms_accepted) VALUES ($1,$2,$3,$4)`,
		req.ID, name, email, termsAccepted); err != nil {
		return Request{}, db.WrapNotFound(err)
	}
	return req, nil
}

func (r *Repo) GetByKey(ctx context.Context, key string) (Request, error) {
	var req Request
	var name, email *string
	err := r.db.QueryRow(ctx, `
SELECT r.id, r.key, r.target, r.state, r.created_at, r.resolved_at, d.name, d.email
FROM requests r
LEFT JOIN request_data d ON d.request_id = r.id
WHERE r.key=$1`, key).
		Scan(&req.ID, &req.Key, &req.Target, &req.State, &req.CreatedAt, &req.ResolvedAt, &name, &email)
	if err != nil {
		return Request{}, db.WrapNotFound(err)
	}
	if name != nil {
		req.Name = *name
	}
	if email != nil {
		req.Email = *email
	}
	return req, nil
}

// Cancel resolves an open request as cancelled and drops its personal data.
// The returned request still carries the applicant email so a cancellation
// notice can be sent.
func (r *Repo) Cancel(ctx context.Context, key string) (Request, error) {
	req, err := r.GetByKey(ctx, key)
	if err != nil {
		return Request{}, err
	}
	if req.ResolvedAt != nil {
		return Request{}, fmt.Errorf("request %s already resolved (%s)", key, req.State)
	}

	if err := r.db.Exec(ctx, `
UPDATE requests SET state='cancelled', resolved_at=now() WHERE id=$1 AND resolved_at IS NULL`, req.ID); err != nil {
		return Request{}, err
	}
	if err := r.db.Exec(ctx, `DELETE FROM request_data WHERE request_id=$1`, req.ID); err != nil {
		return Request{}, err
	}
	req.State = StateCancelled
	return req, nil
}

func (r *Repo) ListOpen(ctx context.Context, limit int) ([]Request, error) {
	rows, err := r.db.Query(ctx, `
SELECT r.id, r.key, r.target, r.state, r.created_at, r.resolved_at, d.name, d.email
FROM requests r
LEFT JOIN request_data d ON d.request_id = r.id
WHERE r.resolved_at IS NULL
ORDER BY r.id
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

// LoadPending returns the open requests of the oldest-pending targets,
// capped to targetLimit distinct targets, ordered oldest target first and
// by id within a target. Requests whose data row is gone are not eligible
// for booking and are filtered out by the inner join.
func (r *Repo) LoadPending(ctx context.Context, targetLimit int) ([]Request, error) {
	rows, err := r.db.Query(ctx, `
WITH active_targets AS (
  SELECT target, min(created_at) AS first_created
  FROM requests
  WHERE resolved_at IS NULL
  GROUP BY target
  ORDER BY first_created
  LIMIT $1
)
SELECT r.id, r.key, r.target, r.state, r.created_at, r.resolved_at, d.name, d.email
FROM requests r
JOIN active_targets t ON r.target = t.target
JOIN request_data d ON d.request_id = r.id
WHERE r.resolved_at IS NULL
ORDER BY t.first_created, r.id`, targetLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

func (r *Repo) MarkProcessing(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.Exec(ctx, `UPDATE requests SET state='processing' WHERE id = ANY($1) AND state='queued'`, ids)
}

// MarkResolved moves requests into a terminal state and drops their
// personal data. Already resolved rows are left untouched.
func (r *Repo) MarkResolved(ctx context.Context, ids []int64, state State) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.db.Exec(ctx, `
UPDATE requests SET state=$2, resolved_at=now() WHERE id = ANY($1) AND resolved_at IS NULL`, ids, string(state)); err != nil {
		return err
	}
	return r.db.Exec(ctx, `DELETE FROM request_data WHERE request_id = ANY($1)`, ids)
}

// MarkExpired times out every open request created before the cutoff and
// returns the affected applicants. Rows that already lost their data are
// expired as well but yield no notification entry.
func (r *Repo) MarkExpired(ctx context.Context, olderThan time.Duration) ([]Expired, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := r.db.Query(ctx, `
WITH expired AS (
  UPDATE requests SET state='timeout', resolved_at=now()
  WHERE resolved_at IS NULL AND created_at < $1
  RETURNING id, key
), dropped AS (
  DELETE FROM request_data d USING expired e
  WHERE d.request_id = e.id
  RETURNING e.id, e.key, d.email
)
SELECT id, key, email FROM dropped ORDER BY id`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Expired
	for rows.Next() {
		var e Expired
		if err := rows.Scan(&e.ID, &e.Key, &e.Email); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanRequests(rows db.Rows) ([]Request, error) {
	var out []Request
	for rows.Next() {
		var req Request
		var name, email *string
		if err := rows.Scan(&req.ID, &req.Key, &req.Target, &req.State, &req.CreatedAt, &req.ResolvedAt, &name, &email); err != nil {
			return nil, err
		}
		if name != nil {
			req.Name = *name
		}
		if email != nil {
			req.Email = *email
		}
		out = append(out, req)
	}
	return out, rows.Err()
}
