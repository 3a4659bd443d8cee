package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/balanced/balanced/internal/store"
)

const recordColumns = `id, version, schema_ref, body, deleted, digest`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Read returns the current record for id, or nil when absent.
func (s *Store) Read(ctx context.Context, id string) (*store.Record, error) {
	rec, err := s.current(ctx, s.db, id)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) current(ctx context.Context, q queryer, id string) (*store.Record, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+recordColumns+` FROM documents WHERE id = ?`), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Write upserts rec under the version rule and appends it to the history.
func (s *Store) Write(ctx context.Context, rec store.Record) (bool, error) {
	applied, err := s.put(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("write %s v%d: %w", rec.ID, rec.Version, err)
	}
	return applied, nil
}

// DeleteMarker stores the tombstone rec. Rows are never physically removed.
func (s *Store) DeleteMarker(ctx context.Context, rec store.Record) (bool, error) {
	if !rec.Deleted {
		return false, fmt.Errorf("delete marker %s: record is not a tombstone", rec.ID)
	}
	applied, err := s.put(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("delete marker %s v%d: %w", rec.ID, rec.Version, err)
	}
	return applied, nil
}

func (s *Store) put(ctx context.Context, rec store.Record) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	stored, err := s.current(ctx, tx, rec.ID)
	if err != nil {
		return false, err
	}
	apply, err := store.CheckWrite(stored, rec)
	if !apply || err != nil {
		return false, err
	}

	// The WHERE clause repeats the version guard so the statement alone
	// can never move a record backwards.
	res, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO documents (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			schema_ref = excluded.schema_ref,
			body = excluded.body,
			deleted = excluded.deleted,
			digest = excluded.digest
		WHERE documents.version < excluded.version
	`), recordArgs(rec)...)
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n != 1 {
		return false, fmt.Errorf("%w: %s changed concurrently", store.ErrStale, rec.ID)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO document_versions (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`), recordArgs(rec)...)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// Restore reverts written to prior and drops written from the history.
func (s *Store) Restore(ctx context.Context, written store.Record, prior *store.Record) error {
	if err := s.restore(ctx, written, prior); err != nil {
		return fmt.Errorf("restore %s v%d: %w", written.ID, written.Version, err)
	}
	return nil
}

func (s *Store) restore(ctx context.Context, written store.Record, prior *store.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stored, err := s.current(ctx, tx, written.ID)
	if err != nil {
		return err
	}
	apply, err := store.CheckRestore(stored, written)
	if !apply || err != nil {
		return err
	}

	var res sql.Result
	if prior == nil {
		res, err = tx.ExecContext(ctx, s.rebind(`
			DELETE FROM documents WHERE id = ? AND version = ? AND digest = ?
		`), written.ID, written.Version, written.Digest)
	} else {
		res, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE documents
			SET version = ?, schema_ref = ?, body = ?, deleted = ?, digest = ?
			WHERE id = ? AND version = ? AND digest = ?
		`), prior.Version, prior.SchemaRef, string(prior.Body), boolToInt(prior.Deleted), prior.Digest,
			written.ID, written.Version, written.Digest)
	}
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n != 1 {
		return fmt.Errorf("%w: %s changed concurrently", store.ErrStale, written.ID)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		DELETE FROM document_versions WHERE id = ? AND version = ? AND digest = ?
	`), written.ID, written.Version, written.Digest)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// History returns every accepted version of id in ascending version order.
func (s *Store) History(ctx context.Context, id string) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+recordColumns+` FROM document_versions
		WHERE id = ?
		ORDER BY version ASC
	`), id)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", id, err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", id, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history %s: %w", id, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (store.Record, error) {
	var (
		rec     store.Record
		body    string
		deleted int64
	)
	if err := row.Scan(&rec.ID, &rec.Version, &rec.SchemaRef, &body, &deleted, &rec.Digest); err != nil {
		return store.Record{}, err
	}
	rec.Body = []byte(body)
	rec.Deleted = deleted != 0
	return rec, nil
}

func recordArgs(rec store.Record) []any {
	return []any{rec.ID, rec.Version, rec.SchemaRef, string(rec.Body), boolToInt(rec.Deleted), rec.Digest}
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
