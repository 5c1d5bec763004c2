package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// CreateEntry inserts a new config entry. An entry for the same kind and
// base URL may exist only once, mirroring how the host blocks duplicate
// integration entries.
func (s *Store) CreateEntry(ctx context.Context, e Entry) (int64, error) {
	if _, err := s.GetEntryByKindAndBaseURL(ctx, e.Kind, e.BaseURL); err == nil {
		return 0, ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	q := s.sql.Insert("entries").
		Columns("kind", "title", "base_url", "enc_api_key", "model", "collections", "allow_control").
		Values(e.Kind, e.Title, e.BaseURL, e.EncAPIKey, e.Options.Model, e.Options.Collections, e.Options.AllowControl)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build create entry query: %w", err)
	}

	if s.driver == "postgres" {
		var id int64
		if err := s.db.QueryRowContext(ctx, sqlStr+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("create entry: %w", err)
		}
		return id, nil
	}

	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("create entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create entry id: %w", err)
	}
	return id, nil
}

func (s *Store) GetEntry(ctx context.Context, id int64) (Entry, error) {
	q := s.entrySelect().Where(sq.Eq{"id": id})
	return s.scanEntry(ctx, q)
}

func (s *Store) GetEntryByKindAndBaseURL(ctx context.Context, kind, baseURL string) (Entry, error) {
	q := s.entrySelect().Where(sq.Eq{"kind": kind, "base_url": baseURL})
	return s.scanEntry(ctx, q)
}

func (s *Store) ListEntries(ctx context.Context) ([]Entry, error) {
	q := s.entrySelect().OrderBy("id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list entries query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateEntryOptions replaces the mutable options; connection fields are
// untouched.
func (s *Store) UpdateEntryOptions(ctx context.Context, id int64, opts EntryOptions) error {
	q := s.sql.Update("entries").
		Set("model", opts.Model).
		Set("collections", opts.Collections).
		Set("allow_control", opts.AllowControl).
		Where(sq.Eq{"id": id})
	return s.execExpectingRow(ctx, q, "update entry options")
}

// UpdateEntryCredentials replaces the connection fields after a successful
// reauth validation.
func (s *Store) UpdateEntryCredentials(ctx context.Context, id int64, baseURL, encAPIKey string) error {
	q := s.sql.Update("entries").
		Set("base_url", baseURL).
		Set("enc_api_key", encAPIKey).
		Where(sq.Eq{"id": id})
	return s.execExpectingRow(ctx, q, "update entry credentials")
}

func (s *Store) DeleteEntry(ctx context.Context, id int64) error {
	q := s.sql.Delete("entries").Where(sq.Eq{"id": id})
	return s.execExpectingRow(ctx, q, "delete entry")
}

func (s *Store) AppendAudit(ctx context.Context, a AuditEntry) error {
	if a.MetaJSON == "" {
		a.MetaJSON = "{}"
	}
	q := s.sql.Insert("audit_log").
		Columns("entry_id", "action", "meta_json").
		Values(a.EntryID, a.Action, a.MetaJSON)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *Store) entrySelect() sq.SelectBuilder {
	return s.sql.Select("id", "kind", "title", "base_url", "enc_api_key", "model", "collections", "allow_control", "created_at").
		From("entries")
}

func (s *Store) scanEntry(ctx context.Context, q sq.SelectBuilder) (Entry, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Entry{}, fmt.Errorf("build entry query: %w", err)
	}
	row := s.db.QueryRowContext(ctx, sqlStr, args...)
	e, err := scanEntryRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	return e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntryRow(row rowScanner) (Entry, error) {
	var e Entry
	if err := row.Scan(
		&e.ID,
		&e.Kind,
		&e.Title,
		&e.BaseURL,
		&e.EncAPIKey,
		&e.Options.Model,
		&e.Options.Collections,
		&e.Options.AllowControl,
		&e.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("scan entry: %w", err)
	}
	return e, nil
}

func (s *Store) execExpectingRow(ctx context.Context, q sq.Sqlizer, op string) error {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build %s query: %w", op, err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
