package repo

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/tinoosan/shelfsync/internal/data"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLRepo implements Store over database/sql. Queries are written with ?
// placeholders and rebound for PostgreSQL.
type SQLRepo struct {
	db      *sql.DB
	dialect dialect
}

var _ Store = (*SQLRepo)(nil)

func (r *SQLRepo) Close() error { return r.db.Close() }

// DB exposes the handle for health checks.
func (r *SQLRepo) DB() *sql.DB { return r.db }

const schema = `
CREATE TABLE IF NOT EXISTS tracks (
    id TEXT PRIMARY KEY,
    item_key TEXT NOT NULL,
    connection_id TEXT NOT NULL,
    library_id TEXT NOT NULL,
    grouping_id TEXT NOT NULL DEFAULT '',
    primary_id TEXT NOT NULL,
    item_type TEXT NOT NULL,
    idx INTEGER NOT NULL,
    kind TEXT NOT NULL,
    time_offset DOUBLE PRECISION NOT NULL DEFAULT 0,
    duration DOUBLE PRECISION NOT NULL DEFAULT 0,
    ext TEXT NOT NULL,
    task_id TEXT,
    created_at BIGINT NOT NULL,
    UNIQUE (item_key, idx)
);
CREATE INDEX IF NOT EXISTS tracks_task_id_idx ON tracks (task_id);
CREATE TABLE IF NOT EXISTS progress (
    item_key TEXT PRIMARY KEY,
    connection_id TEXT NOT NULL,
    library_id TEXT NOT NULL,
    grouping_id TEXT NOT NULL DEFAULT '',
    primary_id TEXT NOT NULL,
    item_type TEXT NOT NULL,
    progress DOUBLE PRECISION NOT NULL DEFAULT 0,
    duration DOUBLE PRECISION NOT NULL DEFAULT 0,
    position DOUBLE PRECISION NOT NULL DEFAULT 0,
    started_at BIGINT,
    last_update BIGINT NOT NULL,
    finished_at BIGINT,
    status TEXT NOT NULL
);
`

func (r *SQLRepo) ensureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (r *SQLRepo) rebind(q string) string {
	if r.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, c := range q {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

const trackCols = `id,connection_id,library_id,grouping_id,primary_id,item_type,idx,kind,time_offset,duration,ext,task_id,created_at`

func (r *SQLRepo) FindByTask(ctx context.Context, task string) (*data.Track, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+trackCols+` FROM tracks WHERE task_id=?`), task)
	t, err := scanTrack(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func (r *SQLRepo) FindByItem(ctx context.Context, item data.ItemID) (data.Tracks, error) {
	return r.queryTracks(ctx, r.db, `SELECT `+trackCols+` FROM tracks WHERE item_key=? ORDER BY idx ASC`, item.Key())
}

func (r *SQLRepo) ListWithTasks(ctx context.Context) (data.Tracks, error) {
	return r.queryTracks(ctx, r.db, `SELECT `+trackCols+` FROM tracks WHERE task_id IS NOT NULL ORDER BY item_key ASC, idx ASC`)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *SQLRepo) queryTracks(ctx context.Context, q querier, query string, args ...any) (data.Tracks, error) {
	rows, err := q.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := data.Tracks{}
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *SQLRepo) Create(ctx context.Context, t *data.Track) (*data.Track, error) {
	cp := t.Clone()
	if cp.ID == "" {
		cp.ID = ksuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	var task any
	if cp.TaskID != nil {
		task = *cp.TaskID
	}
	_, err := r.db.ExecContext(ctx, r.rebind(`INSERT INTO tracks (id,item_key,connection_id,library_id,grouping_id,primary_id,item_type,idx,kind,time_offset,duration,ext,task_id,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		cp.ID, cp.Item.Key(), cp.Item.ConnectionID, cp.Item.LibraryID, cp.Item.GroupingID, cp.Item.PrimaryID, string(cp.Item.Type),
		cp.Index, string(cp.Kind), cp.Offset, cp.Duration, cp.Ext, task, cp.CreatedAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, data.ErrDuplicateTrack
		}
		return nil, err
	}
	return cp, nil
}

func (r *SQLRepo) SetTask(ctx context.Context, trackID, task string) error {
	return r.execOne(ctx, `UPDATE tracks SET task_id=? WHERE id=?`, task, trackID)
}

func (r *SQLRepo) ClearTask(ctx context.Context, trackID string) error {
	return r.execOne(ctx, `UPDATE tracks SET task_id=NULL WHERE id=?`, trackID)
}

func (r *SQLRepo) execOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return data.ErrNotFound
	}
	return nil
}

func (r *SQLRepo) Delete(ctx context.Context, trackID string) (*data.Track, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, r.rebind(`SELECT `+trackCols+` FROM tracks WHERE id=?`), trackID)
	t, err := scanTrack(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrNotFound
		}
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM tracks WHERE id=?`), trackID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *SQLRepo) DeleteByItem(ctx context.Context, item data.ItemID) (data.Tracks, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	out, err := r.queryTracks(ctx, tx, `SELECT `+trackCols+` FROM tracks WHERE item_key=? ORDER BY idx ASC`, item.Key())
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM tracks WHERE item_key=?`), item.Key()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

const progressCols = `connection_id,library_id,grouping_id,primary_id,item_type,progress,duration,position,started_at,last_update,finished_at,status`

func (r *SQLRepo) GetProgress(ctx context.Context, item data.ItemID) (*data.ProgressEntry, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+progressCols+` FROM progress WHERE item_key=?`), item.Key())
	e, err := scanProgress(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// UpsertProgress resolves the last-write-wins race inside the database:
// the conflict clause only updates when the incoming timestamp qualifies.
func (r *SQLRepo) UpsertProgress(ctx context.Context, e *data.ProgressEntry, mode WriteMode) (*data.ProgressEntry, bool, error) {
	var cond string
	switch mode {
	case WriteForce:
		cond = ""
	case WriteStrict:
		cond = ` WHERE excluded.last_update > progress.last_update`
	default:
		cond = ` WHERE excluded.last_update >= progress.last_update`
	}
	q := `INSERT INTO progress (item_key,` + progressCols + `) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (item_key) DO UPDATE SET
    item_type=excluded.item_type,
    progress=excluded.progress,
    duration=excluded.duration,
    position=excluded.position,
    started_at=excluded.started_at,
    last_update=excluded.last_update,
    finished_at=excluded.finished_at,
    status=excluded.status` + cond

	res, err := r.db.ExecContext(ctx, r.rebind(q),
		e.Item.Key(), e.Item.ConnectionID, e.Item.LibraryID, e.Item.GroupingID, e.Item.PrimaryID, string(e.Item.Type),
		e.Progress, e.Duration, e.CurrentTime, nullNanos(e.StartedAt), e.LastUpdate.UnixNano(), nullNanos(e.FinishedAt), string(e.Status))
	if err != nil {
		return nil, false, err
	}
	n, _ := res.RowsAffected()
	cur, err := r.GetProgress(ctx, e.Item)
	if err != nil {
		return nil, false, err
	}
	return cur, n > 0, nil
}

func (r *SQLRepo) ListProgress(ctx context.Context, statuses ...data.SyncStatus) ([]*data.ProgressEntry, error) {
	q := `SELECT ` + progressCols + ` FROM progress`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, s := range statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		q += ` WHERE status IN (` + strings.Join(marks, ",") + `)`
	}
	q += ` ORDER BY last_update ASC`
	rows, err := r.db.QueryContext(ctx, r.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*data.ProgressEntry
	for rows.Next() {
		e, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Helpers

type rowScanner interface{ Scan(dest ...any) error }

func scanTrack(rs rowScanner) (*data.Track, error) {
	var (
		t       data.Track
		typ     string
		kind    string
		task    sql.NullString
		created int64
	)
	if err := rs.Scan(&t.ID, &t.Item.ConnectionID, &t.Item.LibraryID, &t.Item.GroupingID, &t.Item.PrimaryID, &typ,
		&t.Index, &kind, &t.Offset, &t.Duration, &t.Ext, &task, &created); err != nil {
		return nil, err
	}
	t.Item.Type = data.ItemType(typ)
	t.Kind = data.TrackKind(kind)
	if task.Valid {
		v := task.String
		t.TaskID = &v
	}
	t.CreatedAt = time.Unix(0, created).UTC()
	return &t, nil
}

func scanProgress(rs rowScanner) (*data.ProgressEntry, error) {
	var (
		e                 data.ProgressEntry
		typ, status       string
		started, finished sql.NullInt64
		last              int64
	)
	if err := rs.Scan(&e.Item.ConnectionID, &e.Item.LibraryID, &e.Item.GroupingID, &e.Item.PrimaryID, &typ,
		&e.Progress, &e.Duration, &e.CurrentTime, &started, &last, &finished, &status); err != nil {
		return nil, err
	}
	e.Item.Type = data.ItemType(typ)
	e.Status = data.SyncStatus(status)
	e.LastUpdate = time.Unix(0, last).UTC()
	e.StartedAt = fromNanos(started)
	e.FinishedAt = fromNanos(finished)
	return &e, nil
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func isUniqueViolation(err error) bool {
	// pgx reports "duplicate key value violates unique constraint",
	// sqlite reports "UNIQUE constraint failed".
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key value") || strings.Contains(msg, "unique constraint")
}
