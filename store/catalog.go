package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/mongo"
	_ "modernc.org/sqlite"

	"github.com/davidroman0O/pipebuilder"
)

var (
	// ErrNotFound is returned when no pipeline has the requested name.
	ErrNotFound = errors.New("pipeline not found")
	// ErrEmptyName is returned when a pipeline name is empty.
	ErrEmptyName = errors.New("pipeline name cannot be empty")
)

// MemoryPath opens a private in-memory catalog.
const MemoryPath = ":memory:"

// Entry is a named pipeline stored in the catalog.
type Entry struct {
	ID        string
	Name      string
	Pipeline  mongo.Pipeline
	Metadata  *Metadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Catalog stores named pipelines in a SQLite database. It is safe for
// concurrent use.
type Catalog struct {
	conn *sql.DB
}

// Open opens (or creates) the catalog database at path.
func Open(path string) (*Catalog, error) {
	dsn := MemoryPath
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; also keeps an in-memory database alive on a single connection.
	conn.SetMaxOpenConns(1)

	c := &Catalog{conn: conn}
	if err := c.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return c, nil
}

// Close closes the database connection.
func (c *Catalog) Close() error {
	return c.conn.Close()
}

func (c *Catalog) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS pipelines (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			pipeline TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			properties TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pipeline_tags (
			pipeline_id TEXT NOT NULL,
			tag TEXT NOT NULL,
			PRIMARY KEY (pipeline_id, tag)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_tags_tag ON pipeline_tags(tag)`,
	}
	for _, m := range migrations {
		if _, err := c.conn.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Save stores b under name, replacing any pipeline with the same name. The
// entry keeps its ID and creation time across updates.
func (c *Catalog) Save(ctx context.Context, name string, b *pipebuilder.Builder, meta *Metadata) (Entry, error) {
	if name == "" {
		return Entry{}, ErrEmptyName
	}
	if b == nil {
		return Entry{}, errors.New("builder cannot be nil")
	}
	if meta == nil {
		meta = NewMetadata()
	} else {
		meta = meta.Clone()
	}
	pipeline, err := b.Build()
	if err != nil {
		return Entry{}, err
	}
	text, err := b.Render(pipebuilder.WithIndent(0))
	if err != nil {
		return Entry{}, err
	}
	props, err := json.Marshal(meta.Properties)
	if err != nil {
		return Entry{}, fmt.Errorf("encode properties: %w", err)
	}

	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	entry := Entry{
		ID:        uuid.NewString(),
		Name:      name,
		Pipeline:  pipeline,
		Metadata:  meta,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var createdAt string
	err = tx.QueryRowContext(ctx, `SELECT id, created_at FROM pipelines WHERE name = ?`, name).Scan(&entry.ID, &createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO pipelines (id, name, pipeline, description, properties, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, name, text, meta.Description, string(props), formatTime(now), formatTime(now))
		if err != nil {
			return Entry{}, fmt.Errorf("insert pipeline: %w", err)
		}
	case err != nil:
		return Entry{}, fmt.Errorf("lookup pipeline: %w", err)
	default:
		if entry.CreatedAt, err = parseTime(createdAt); err != nil {
			return Entry{}, err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE pipelines SET pipeline = ?, description = ?, properties = ?, updated_at = ? WHERE id = ?`,
			text, meta.Description, string(props), formatTime(now), entry.ID)
		if err != nil {
			return Entry{}, fmt.Errorf("update pipeline: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pipeline_tags WHERE pipeline_id = ?`, entry.ID); err != nil {
		return Entry{}, fmt.Errorf("clear tags: %w", err)
	}
	for _, tag := range meta.Tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO pipeline_tags (pipeline_id, tag) VALUES (?, ?)`, entry.ID, tag); err != nil {
			return Entry{}, fmt.Errorf("insert tag: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit: %w", err)
	}
	return entry, nil
}

type row struct {
	id, name, pipeline, description, properties, createdAt, updatedAt string
}

const selectColumns = `p.id, p.name, p.pipeline, p.description, p.properties, p.created_at, p.updated_at`

func scanRows(rows *sql.Rows) ([]row, error) {
	defer rows.Close()
	var out []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.name, &r.pipeline, &r.description, &r.properties, &r.createdAt, &r.updatedAt); err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// toEntry decodes r. Rows are fully read before tags are queried because
// the pool holds a single connection.
func (c *Catalog) toEntry(ctx context.Context, r row) (Entry, error) {
	b, err := pipebuilder.Parse([]byte(r.pipeline))
	if err != nil {
		return Entry{}, fmt.Errorf("decode pipeline %q: %w", r.name, err)
	}
	pipeline, err := b.Build()
	if err != nil {
		return Entry{}, err
	}

	meta := NewMetadata()
	meta.Description = r.description
	if err := json.Unmarshal([]byte(r.properties), &meta.Properties); err != nil {
		return Entry{}, fmt.Errorf("decode properties of %q: %w", r.name, err)
	}
	if meta.Properties == nil {
		meta.Properties = make(map[string]interface{})
	}
	tags, err := c.tags(ctx, r.id)
	if err != nil {
		return Entry{}, err
	}
	meta.Tags = tags

	created, err := parseTime(r.createdAt)
	if err != nil {
		return Entry{}, err
	}
	updated, err := parseTime(r.updatedAt)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		ID:        r.id,
		Name:      r.name,
		Pipeline:  pipeline,
		Metadata:  meta,
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}

func (c *Catalog) tags(ctx context.Context, id string) ([]string, error) {
	rows, err := c.conn.QueryContext(ctx, `SELECT tag FROM pipeline_tags WHERE pipeline_id = ? ORDER BY tag`, id)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()
	tags := []string{}
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (c *Catalog) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pipelines: %w", err)
	}
	raw, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		e, err := c.toEntry(ctx, r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Get returns the pipeline stored under name.
func (c *Catalog) Get(ctx context.Context, name string) (Entry, error) {
	if name == "" {
		return Entry{}, ErrEmptyName
	}
	entries, err := c.query(ctx, `SELECT `+selectColumns+` FROM pipelines p WHERE p.name = ?`, name)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return entries[0], nil
}

// Builder loads the pipeline stored under name into a new builder.
func (c *Catalog) Builder(ctx context.Context, name string, opts ...pipebuilder.Option) (*pipebuilder.Builder, error) {
	e, err := c.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	b := pipebuilder.New(opts...)
	for _, stage := range e.Pipeline {
		b.AddStage(stage)
	}
	return b, b.Err()
}

// List returns every stored pipeline ordered by name.
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	return c.query(ctx, `SELECT `+selectColumns+` FROM pipelines p ORDER BY p.name`)
}

// FindByTag returns the pipelines carrying tag, ordered by name.
func (c *Catalog) FindByTag(ctx context.Context, tag string) ([]Entry, error) {
	return c.query(ctx,
		`SELECT `+selectColumns+` FROM pipelines p
		 JOIN pipeline_tags t ON t.pipeline_id = p.id
		 WHERE t.tag = ? ORDER BY p.name`, tag)
}

// FindByAllTags returns the pipelines carrying every tag in tags.
func (c *Catalog) FindByAllTags(ctx context.Context, tags []string) ([]Entry, error) {
	return c.filter(ctx, func(m *Metadata) bool { return m.HasAllTags(tags) })
}

// FindByAnyTag returns the pipelines carrying at least one tag in tags.
func (c *Catalog) FindByAnyTag(ctx context.Context, tags []string) ([]Entry, error) {
	return c.filter(ctx, func(m *Metadata) bool { return m.HasAnyTag(tags) })
}

func (c *Catalog) filter(ctx context.Context, keep func(*Metadata) bool) ([]Entry, error) {
	all, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(e Entry) bool { return !keep(e.Metadata) }), nil
}

// Delete removes the pipeline stored under name. It reports whether a
// pipeline was removed.
func (c *Catalog) Delete(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, ErrEmptyName
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pipeline_tags WHERE pipeline_id IN (SELECT id FROM pipelines WHERE name = ?)`, name); err != nil {
		return false, fmt.Errorf("delete tags: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM pipelines WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete pipeline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return n > 0, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
