package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/davidroman0O/pipebuilder"
	"github.com/davidroman0O/pipebuilder/store"
)

// testEnv holds a temp directory with a config pointing the catalog inside it.
type testEnv struct {
	dir    string
	config string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	config := writeFile(t, dir, "pipebuilder.yaml",
		"catalog:\n  path: "+filepath.Join(dir, "catalog.db")+"\n")
	return &testEnv{dir: dir, config: config}
}

func (e *testEnv) run(args ...string) (string, error) {
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (e *testEnv) persist(t *testing.T, name string, b *pipebuilder.Builder, metadata any) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, b.Persist(path, metadata))
	return path
}

func activeUsers() *pipebuilder.Builder {
	return pipebuilder.New().
		Match(bson.D{{"status", "active"}}).
		Sort(bson.D{{"name", 1}}).
		Limit(10)
}

func TestRenderCommand(t *testing.T) {
	env := newTestEnv(t)
	path := env.persist(t, "users.json", activeUsers(), nil)

	out, err := env.run("render", path)
	require.NoError(t, err)
	want, err := activeUsers().Render()
	require.NoError(t, err)
	assert.Equal(t, want+"\n", out)

	out, err = env.run("render", path, "--stage", "2")
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"$limit\": 10\n}\n", out)

	_, err = env.run("render", path, "--stage", "7")
	assert.ErrorIs(t, err, pipebuilder.ErrOutOfRange)

	_, err = env.run("render", filepath.Join(env.dir, "missing.json"))
	assert.Error(t, err)
}

func TestValidateCommand(t *testing.T) {
	env := newTestEnv(t)
	good := env.persist(t, "good.json", activeUsers(), nil)
	bad := env.persist(t, "bad.json", pipebuilder.New().Out("archive").Limit(1), nil)

	out, err := env.run("validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "valid (3 stages)")

	_, err = env.run("validate", bad)
	assert.ErrorIs(t, err, pipebuilder.ErrTerminalStageNotLast)
}

func TestDiffCommand(t *testing.T) {
	env := newTestEnv(t)
	a := env.persist(t, "a.json", activeUsers(), nil)
	same := env.persist(t, "same.json", activeUsers(), bson.D{{"note", "copy"}})
	changed := env.persist(t, "changed.json", activeUsers().Skip(5), nil)

	out, err := env.run("diff", a, same)
	require.NoError(t, err)
	assert.Equal(t, pipebuilder.NoDifferences+"\n", out)

	out, err = env.run("diff", a, changed, "-U", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "--- new")
	assert.Contains(t, out, "+    \"$skip\": 5")
	assert.NotContains(t, out, "$match")
}

func TestSchemaCommand(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run("schema")
	require.NoError(t, err)
	assert.Contains(t, out, `"pipeline"`)
	assert.Contains(t, out, "pipebuilder pipeline file")
}

func TestRunCommandRequiresCollection(t *testing.T) {
	env := newTestEnv(t)
	path := env.persist(t, "users.json", activeUsers(), nil)

	_, err := env.run("run", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collection")
}

func TestCatalogCommands(t *testing.T) {
	env := newTestEnv(t)
	path := env.persist(t, "users.json", activeUsers(), bson.D{{"owner", "analytics"}})

	out, err := env.run("catalog", "save", "active-users", path, "--tag", "users", "--tag", "daily", "--description", "Active users")
	require.NoError(t, err)
	assert.Equal(t, "saved active-users (3 stages)\n", out)

	_, err = env.run("catalog", "save", "everything", env.persist(t, "count.json", pipebuilder.New().Count(), nil))
	require.NoError(t, err)

	out, err = env.run("catalog", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "active-users"))
	assert.True(t, strings.HasPrefix(lines[2], "everything"))

	out, err = env.run("catalog", "list", "--tag", "daily")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)

	out, err = env.run("catalog", "show", "active-users")
	require.NoError(t, err)
	assert.Contains(t, out, "Description: Active users")
	assert.Contains(t, out, "Tags:        daily, users")
	assert.Contains(t, out, `"$limit": 10`)

	exported := filepath.Join(env.dir, "export", "active-users.json")
	_, err = env.run("catalog", "export", "active-users", exported)
	require.NoError(t, err)
	b, metadata, err := pipebuilder.LoadDocument(exported)
	require.NoError(t, err)
	assert.Equal(t, []string{"$match", "$sort", "$limit"}, b.StageTypes())
	assert.Equal(t, "active-users", metadata[0].Value)

	c, err := store.Open(filepath.Join(env.dir, "catalog.db"))
	require.NoError(t, err)
	entry, err := c.Get(context.Background(), "active-users")
	require.NoError(t, err)
	owner, ok := entry.Metadata.GetProperty("owner")
	assert.True(t, ok)
	assert.Equal(t, "analytics", owner)
	require.NoError(t, c.Close())

	out, err = env.run("catalog", "delete", "active-users")
	require.NoError(t, err)
	assert.Equal(t, "deleted active-users\n", out)

	_, err = env.run("catalog", "delete", "active-users")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = env.run("catalog", "show", "active-users")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

type fakeCollection struct {
	docs []any
}

func (f *fakeCollection) Aggregate(ctx context.Context, pipeline any, opts ...options.Lister[options.AggregateOptions]) (*mongo.Cursor, error) {
	return mongo.NewCursorFromDocuments(f.docs, nil, nil)
}

func TestExecutePrintsResults(t *testing.T) {
	a := &app{
		config: DefaultConfig(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	coll := &fakeCollection{docs: []any{
		bson.D{{"name", "ada"}},
		bson.D{{"name", "grace"}},
		bson.D{{"name", "linus"}},
	}}

	var out bytes.Buffer
	require.NoError(t, a.execute(context.Background(), &out, coll, activeUsers(), 0))
	assert.Equal(t, "{\"name\":\"ada\"}\n{\"name\":\"grace\"}\n{\"name\":\"linus\"}\n", out.String())

	out.Reset()
	require.NoError(t, a.execute(context.Background(), &out, coll, activeUsers(), 2))
	assert.Equal(t, 2, strings.Count(out.String(), "\n"))

	err := a.execute(context.Background(), &out, coll, pipebuilder.New(), 0)
	assert.ErrorIs(t, err, pipebuilder.ErrEmptyPipeline)
}
