package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/afterdarksys/querycached/pkg/dbutil"
	"github.com/afterdarksys/querycached/pkg/thing"
	"github.com/afterdarksys/querycached/pkg/tuple"
)

type colType int

const (
	colInt colType = iota
	colReal
	colText
	colBool
	colTime
)

type column struct {
	name string
	typ  colType
}

// columns are the attributes a SQL store can filter and sort on.
var columns = []column{
	{"sr_id", colInt},
	{"author_id", colInt},
	{"link_id", colInt},
	{"thing1_id", colText},
	{"thing2_id", colText},
	{"name", colText},
	{"date", colTime},
	{"ups", colInt},
	{"downs", colInt},
	{"score", colInt},
	{"hot", colReal},
	{"controversy", colReal},
	{"direction", colInt},
	{"spam", colBool},
	{"deleted", colBool},
}

func lookupColumn(attr string) (column, bool) {
	for _, c := range columns {
		if c.name == attr {
			return c, true
		}
	}
	return column{}, false
}

// SQLStore keeps entities in a things table with one column per sortable
// attribute.
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// NewSQLiteStore opens a store in the sqlite file at path.
func NewSQLiteStore(path string) (*SQLStore, error) {
	if path == "" {
		var err error
		if path, err = dbutil.DefaultPath("store.db"); err != nil {
			return nil, err
		}
	}
	db, err := dbutil.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	return newSQLStore(context.Background(), db, dbutil.SQLite)
}

// NewPostgresStore opens a store in the Postgres database at dsn.
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := dbutil.OpenPostgres(ctx, dsn, dbutil.DefaultPool)
	if err != nil {
		return nil, err
	}
	return newSQLStore(ctx, db, dbutil.Postgres)
}

func newSQLStore(ctx context.Context, db *sql.DB, driver string) (*SQLStore, error) {
	s := &SQLStore{db: db, driver: driver, now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// SetClock replaces the clock used to resolve relative windows.
func (s *SQLStore) SetClock(now func() time.Time) { s.now = now }

func (s *SQLStore) q(query string) string { return dbutil.Rebind(s.driver, query) }

func (s *SQLStore) sqlType(t colType) string {
	pg := s.driver == dbutil.Postgres
	switch t {
	case colReal:
		if pg {
			return "DOUBLE PRECISION"
		}
		return "REAL"
	case colText:
		return "TEXT"
	default:
		if pg {
			return "BIGINT"
		}
		return "INTEGER"
	}
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS things (\n\t\tkind TEXT NOT NULL,\n\t\tid TEXT NOT NULL")
	for _, c := range columns {
		fmt.Fprintf(&b, ",\n\t\t%s %s", c.name, s.sqlType(c.typ))
	}
	b.WriteString(",\n\t\tPRIMARY KEY (kind, id)\n\t)")

	stmts := []string{
		b.String(),
		"CREATE INDEX IF NOT EXISTS idx_things_kind_sr ON things(kind, sr_id)",
		"CREATE INDEX IF NOT EXISTS idx_things_kind_author ON things(kind, author_id)",
		"CREATE INDEX IF NOT EXISTS idx_things_kind_thing1 ON things(kind, thing1_id)",
		"CREATE INDEX IF NOT EXISTS idx_things_date ON things(date)",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS subject_activity (
		subject TEXT PRIMARY KEY,
		last_activity %s NOT NULL
	)`, s.sqlType(colInt)),
		"CREATE INDEX IF NOT EXISTS idx_subject_activity_last ON subject_activity(last_activity)",
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Put upserts e. Attributes the entity does not have are stored as NULL.
func (s *SQLStore) Put(ctx context.Context, kind string, e thing.Entity) error {
	names := make([]string, 0, len(columns)+2)
	args := make([]any, 0, len(columns)+2)
	names = append(names, "kind", "id")
	args = append(args, kind, e.ID())
	updates := make([]string, 0, len(columns))
	for _, c := range columns {
		var v any
		if raw, ok := e.Attr(c.name); ok {
			conv, err := toColumn(c, raw)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", e.ID(), c.name, err)
			}
			v = conv
		}
		names = append(names, c.name)
		args = append(args, v)
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c.name, c.name))
	}

	query := fmt.Sprintf(`INSERT INTO things (%s) VALUES (%s)
		ON CONFLICT (kind, id) DO UPDATE SET %s`,
		strings.Join(names, ", "), dbutil.Placeholders(len(names)), strings.Join(updates, ", "))
	if _, err := s.db.ExecContext(ctx, s.q(query), args...); err != nil {
		return fmt.Errorf("failed to store %s: %w", e.ID(), err)
	}
	return nil
}

func (s *SQLStore) Remove(ctx context.Context, kind, id string) error {
	_, err := s.db.ExecContext(ctx, s.q("DELETE FROM things WHERE kind = ? AND id = ?"), kind, id)
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) RunQuery(ctx context.Context, c Criteria, spec tuple.Spec, limit int) ([]thing.Entity, error) {
	where := []string{"kind = ?"}
	args := []any{c.Kind}
	for attr, want := range c.Equals {
		col, ok := lookupColumn(attr)
		if !ok {
			return nil, fmt.Errorf("cannot filter on attribute %q", attr)
		}
		v, err := toColumn(col, want)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", attr, err)
		}
		where = append(where, col.name+" = ?")
		args = append(args, v)
	}
	since, until := c.bounds(s.now())
	if !since.IsZero() {
		where = append(where, "date >= ?")
		args = append(args, since.Unix())
	}
	if !until.IsZero() {
		where = append(where, "date < ?")
		args = append(args, until.Unix())
	}

	order := make([]string, 0, len(spec)+1)
	for _, sc := range spec {
		col, ok := lookupColumn(sc.Attr)
		if !ok {
			return nil, fmt.Errorf("cannot sort on attribute %q", sc.Attr)
		}
		dir := "ASC"
		if sc.Desc {
			dir = "DESC"
		}
		order = append(order, col.name+" "+dir)
	}
	order = append(order, "id ASC")

	names := make([]string, len(columns))
	for i, col := range columns {
		names[i] = col.name
	}
	query := fmt.Sprintf("SELECT id, %s FROM things WHERE %s ORDER BY %s",
		strings.Join(names, ", "), strings.Join(where, " AND "), strings.Join(order, ", "))
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run query: %w", err)
	}
	defer rows.Close()

	var out []thing.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read query results: %w", err)
	}
	return out, nil
}

func scanEntity(rows *sql.Rows) (thing.Entity, error) {
	var id string
	vals := make([]any, len(columns))
	dest := make([]any, 0, len(columns)+1)
	dest = append(dest, &id)
	for i := range columns {
		dest = append(dest, &vals[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}

	rec := thing.Record{Name: id, Attrs: make(map[string]any, len(columns))}
	for i, col := range columns {
		if vals[i] == nil {
			continue
		}
		v, err := fromColumn(col, vals[i])
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", id, col.name, err)
		}
		rec.Attrs[col.name] = v
	}

	t1, ok1 := rec.Attrs["thing1_id"].(string)
	t2, ok2 := rec.Attrs["thing2_id"].(string)
	if ok1 && ok2 {
		return &thing.RecordRel{Record: rec, From: thing.Ref(t1), To: thing.Ref(t2)}, nil
	}
	return &rec, nil
}

func toColumn(c column, v any) (any, error) {
	switch c.typ {
	case colTime:
		switch t := v.(type) {
		case time.Time:
			return t.Unix(), nil
		case *time.Time:
			if t == nil {
				return nil, nil
			}
			return t.Unix(), nil
		}
	case colText:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("want string, got %T", v)
	}
	n, err := tuple.Normalize(v)
	if err != nil {
		return nil, err
	}
	f, ok := n.(float64)
	if !ok {
		return nil, fmt.Errorf("want number, got %T", v)
	}
	if c.typ == colReal {
		return f, nil
	}
	return int64(f), nil
}

func fromColumn(c column, v any) (any, error) {
	switch c.typ {
	case colText:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		}
	case colReal:
		switch f := v.(type) {
		case float64:
			return f, nil
		case int64:
			return float64(f), nil
		}
	default:
		n, ok := v.(int64)
		if !ok {
			if f, isFloat := v.(float64); isFloat {
				n, ok = int64(f), true
			}
		}
		if !ok {
			break
		}
		switch c.typ {
		case colTime:
			return time.Unix(n, 0), nil
		case colBool:
			return n != 0, nil
		}
		return n, nil
	}
	return nil, fmt.Errorf("unexpected column value %T", v)
}

func (s *SQLStore) Touch(ctx context.Context, subject string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO subject_activity (subject, last_activity) VALUES (?, ?)
		ON CONFLICT (subject) DO UPDATE SET last_activity = excluded.last_activity
		WHERE subject_activity.last_activity < excluded.last_activity
	`), subject, at.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record activity for %s: %w", subject, err)
	}
	return nil
}

func (s *SQLStore) Subjects(ctx context.Context, since time.Time) ([]Subject, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT subject, last_activity
		FROM subject_activity
		WHERE last_activity >= ?
		ORDER BY last_activity DESC, subject ASC
	`), since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to list subjects: %w", err)
	}
	defer rows.Close()

	var out []Subject
	for rows.Next() {
		var sub Subject
		var at int64
		if err := rows.Scan(&sub.ID, &at); err != nil {
			return nil, fmt.Errorf("failed to scan subject: %w", err)
		}
		sub.LastActivity = time.Unix(0, at)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
