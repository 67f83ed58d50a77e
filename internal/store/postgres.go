package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"quiqcl-server/internal/apperr"
	"quiqcl-server/internal/models"
)

// Archive keeps finished jobs in Postgres so they outlive the process.
// The in-memory table stays authoritative for the wire protocol.
type Archive struct {
	pool *pgxpool.Pool
}

// NewArchive creates a pooled connection to Postgres.
func NewArchive(ctx context.Context, dsn string) (*Archive, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Archive{pool: pool}, nil
}

func (a *Archive) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// Ping checks connectivity for the health endpoint.
func (a *Archive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// SaveJob upserts the record together with the submission that produced it.
func (a *Archive) SaveJob(ctx context.Context, rec models.JobRecord, sub models.Submission) error {
	circuitJSON, err := json.Marshal(sub.Circuit)
	if err != nil {
		return fmt.Errorf("marshal circuit: %w", err)
	}
	var resultJSON []byte
	if rec.Result != nil {
		if resultJSON, err = json.Marshal(rec.Result); err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}

	tx, err := a.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, backend, status, circuit, result, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, result = EXCLUDED.result, error = EXCLUDED.error, updated_at = NOW()
	`, rec.ID, sub.Backend, string(rec.Status), circuitJSON, resultJSON, rec.Error)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, rec.ID, "status", string(rec.Status)); err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetJob fetches an archived record by id.
func (a *Archive) GetJob(ctx context.Context, id string) (models.JobRecord, error) {
	row := a.pool.QueryRow(ctx, `
		SELECT id, status, result, error FROM jobs WHERE id = $1
	`, id)

	var rec models.JobRecord
	var status string
	var resultJSON []byte
	var lastErr pgtype.Text
	if err := row.Scan(&rec.ID, &status, &resultJSON, &lastErr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.JobRecord{}, apperr.Wrap(apperr.JobNotFound, err, "job "+id)
		}
		return models.JobRecord{}, fmt.Errorf("scan job: %w", err)
	}
	rec.Status = models.JobStatus(status)
	if len(resultJSON) > 0 {
		rec.Result = &models.ExecutionResult{}
		if err := json.Unmarshal(resultJSON, rec.Result); err != nil {
			return models.JobRecord{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	rec.Error = textPtr(lastErr)
	return rec, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
