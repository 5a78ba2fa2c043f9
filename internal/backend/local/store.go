package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/slok/pkgworker/internal/backend/local/migrations"
	"github.com/slok/pkgworker/internal/log"
	"github.com/slok/pkgworker/internal/model"
)

// store is the sqlite persistence of an installation: remotes and deployed refs.
type store struct {
	db     *sql.DB
	logger log.Logger
}

type installedRow struct {
	model.InstalledRef
	DeployPath  string
	InstalledAt time.Time
}

// storeDSN builds a sqlite URI for the store database, mode is "ro", "rw" or "rwc".
func storeDSN(dbPath, mode string, pragmas ...string) string {
	q := url.Values{"mode": {mode}}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	u := url.URL{Scheme: "file", Path: dbPath, RawQuery: q.Encode()}
	return u.String()
}

// initStore creates the store database if missing and brings its schema up to date.
func initStore(ctx context.Context, dbPath string, logger log.Logger) (*store, error) {
	db, err := sql.Open("sqlite", storeDSN(dbPath, "rwc", "foreign_keys(1)", "journal_mode(WAL)", "busy_timeout(5000)"))
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	migrator, err := migrations.NewMigrator(db, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &store{db: db, logger: logger}, nil
}

// openStore opens an initialized store database. The schema is checked on a
// read-only connection and nothing is written while opening.
func openStore(ctx context.Context, dbPath string, logger log.Logger) (*store, error) {
	if err := checkStore(ctx, dbPath, logger); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", storeDSN(dbPath, "rw", "foreign_keys(1)", "busy_timeout(5000)"))
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	return &store{db: db, logger: logger}, nil
}

func checkStore(ctx context.Context, dbPath string, logger log.Logger) error {
	db, err := sql.Open("sqlite", storeDSN(dbPath, "ro", "busy_timeout(5000)"))
	if err != nil {
		return fmt.Errorf("could not open database: %w", err)
	}
	defer db.Close()

	migrator, err := migrations.NewMigrator(db, logger)
	if err != nil {
		return fmt.Errorf("could not create migrator: %w", err)
	}

	v, err := migrator.Version(ctx)
	if err != nil {
		return err
	}
	logger.Debugf("Store schema version %d", v)

	return nil
}

func (s *store) close() error { return s.db.Close() }

func (s *store) listRemotes(ctx context.Context) ([]model.Remote, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, url, title FROM remotes ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("could not query remotes: %w", err)
	}
	defer rows.Close()

	var remotes []model.Remote
	for rows.Next() {
		var r model.Remote
		if err := rows.Scan(&r.Name, &r.URL, &r.Title); err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		remotes = append(remotes, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return remotes, nil
}

func (s *store) addRemote(ctx context.Context, r model.Remote) error {
	query := `
		INSERT INTO remotes (name, url, title, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query, r.Name, r.URL, r.Title, time.Now().UTC().Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: remotes.") {
			return fmt.Errorf("remote %s: %w", r.Name, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert remote: %w", err)
	}

	s.logger.Debugf("Added remote %s (%s)", r.Name, r.URL)
	return nil
}

func (s *store) listInstalled(ctx context.Context) ([]installedRow, error) {
	query := `
		SELECT ref, origin, commit_id, installed_size, deploy_path, installed_at
		FROM installed_refs
		ORDER BY ref ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("could not query installed refs: %w", err)
	}
	defer rows.Close()

	var refs []installedRow
	for rows.Next() {
		r, err := scanInstalled(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		refs = append(refs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return refs, nil
}

func (s *store) getInstalled(ctx context.Context, ref string) (*installedRow, error) {
	query := `
		SELECT ref, origin, commit_id, installed_size, deploy_path, installed_at
		FROM installed_refs
		WHERE ref = ?
	`

	r, err := scanInstalled(s.db.QueryRowContext(ctx, query, ref))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("installed ref %s: %w", ref, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query installed ref: %w", err)
	}

	return &r, nil
}

func (s *store) putInstalled(ctx context.Context, r installedRow) error {
	query := `
		INSERT INTO installed_refs (ref, origin, commit_id, installed_size, deploy_path, installed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ref) DO UPDATE SET
			origin = excluded.origin,
			commit_id = excluded.commit_id,
			installed_size = excluded.installed_size,
			deploy_path = excluded.deploy_path,
			installed_at = excluded.installed_at
	`

	_, err := s.db.ExecContext(ctx, query, r.Ref, r.Origin, r.Commit, int64(r.InstalledSize), r.DeployPath, r.InstalledAt.Unix())
	if err != nil {
		return fmt.Errorf("could not upsert installed ref: %w", err)
	}

	s.logger.Debugf("Stored installed ref %s at commit %s", r.Ref, r.Commit)
	return nil
}

func (s *store) deleteInstalled(ctx context.Context, ref string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM installed_refs WHERE ref = ?`, ref)
	if err != nil {
		return fmt.Errorf("could not delete installed ref: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("installed ref %s: %w", ref, model.ErrNotFound)
	}

	s.logger.Debugf("Deleted installed ref %s", ref)
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstalled(s scanner) (installedRow, error) {
	var r installedRow
	var size, installedAt int64

	err := s.Scan(&r.Ref, &r.Origin, &r.Commit, &size, &r.DeployPath, &installedAt)
	if err != nil {
		return installedRow{}, err
	}
	r.InstalledSize = uint64(size)
	r.InstalledAt = time.Unix(installedAt, 0).UTC()

	return r, nil
}
