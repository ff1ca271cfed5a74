package store

import (
	"context"
	"database/sql"
	"fmt"
)

// AppendLog records one stdout/stderr line for a job, written by Runtime
// as it polls the executor backend. Never mutated.
func AppendLog(ctx context.Context, tx *sql.Tx, jobID, stream, line string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO logs (job_id, stream, line, created_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP);
	`, jobID, stream, line); err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// LogsForJob returns every logged line for a job, oldest first.
func (s *Store) LogsForJob(ctx context.Context, jobID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT line FROM logs WHERE job_id = ? ORDER BY created_at ASC, id ASC;`, jobID)
	if err != nil {
		return nil, fmt.Errorf("select logs: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, rows.Err()
}
