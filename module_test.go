/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package bunmodule

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/do/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomoncle/bunmodule/database"
	"github.com/tomoncle/bunmodule/framework"
	"github.com/uptrace/bun"
)

type account struct {
	bun.BaseModel `bun:"table:accounts"`

	ID    int64  `bun:"id,pk,autoincrement"`
	Email string `bun:"email,notnull,unique"`
}

type report struct {
	bun.BaseModel `bun:"table:reports"`

	ID    int64  `bun:"id,pk,autoincrement"`
	Title string `bun:"title"`
}

type countingHook struct {
	queries atomic.Int64
}

func (h *countingHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (h *countingHook) AfterQuery(context.Context, *bun.QueryEvent) {
	h.queries.Add(1)
}

// newApp writes a configuration file with a default and a "reporting"
// SQLite connection and returns a framework using it.
func newApp(t *testing.T, extra string, opts ...framework.Option) (*framework.Framework, string) {
	t.Helper()
	dir := t.TempDir()
	config := fmt.Sprintf(`
bun:
  connection:
    type: sqlite
    dbname: %s
    synchronize: true
    health_check_interval: 0
  connections:
    - name: reporting
      type: sqlite
      dbname: %s
      synchronize: true
      health_check_interval: 0
%s`, filepath.Join(dir, "app.db"), filepath.Join(dir, "reporting.db"), extra)
	return newAppFromConfig(t, dir, config, opts...), dir
}

// newAppFromConfig writes config into dir and returns a framework reading it
// with dir as source directory.
func newAppFromConfig(t *testing.T, dir, config string, opts ...framework.Option) *framework.Framework {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(config), 0o644))

	settings := framework.Settings{SrcDirectory: dir, ConfigFile: path, ShutdownTimeout: 5 * time.Second}
	return framework.New(settings, opts...)
}

func TestModuleIdentity(t *testing.T) {
	m := New()
	assert.Equal(t, "BunModule", m.Name())
	assert.Equal(t, "bun", m.ConfigurationName())
	assert.True(t, m.IsConfigurationRequired())
}

func TestModuleLifecycle(t *testing.T) {
	ctx := context.Background()
	hook := &countingHook{}
	app, _ := newApp(t, "")
	m := New(
		WithLogger(database.NopLogger()),
		WithEntities("", (*account)(nil)),
		WithEntities("reporting", (*report)(nil)),
		WithSubscribers("reporting", hook),
	)
	app.Use(m)

	require.NoError(t, app.Bootstrap(ctx))

	manager, err := do.Invoke[*database.ConnectionManager](app.Container())
	require.NoError(t, err)
	assert.Same(t, m.ConnectionManager(), manager)
	assert.Equal(t, []string{database.DefaultConnectionName, "reporting"}, manager.Names())

	def, err := InvokeDB(app.Container(), "")
	require.NoError(t, err)
	named, err := InvokeDB(app.Container(), database.DefaultConnectionName)
	require.NoError(t, err)
	assert.Same(t, def, named)

	accounts, err := InvokeRepository[account](app.Container(), "")
	require.NoError(t, err)
	require.NoError(t, accounts.Create(ctx, &account{Email: "a@example.com"}))
	n, err := accounts.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reporting, err := InvokeDB(app.Container(), "reporting")
	require.NoError(t, err)
	assert.NotSame(t, def, reporting)
	count, err := reporting.NewSelect().Model((*report)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Positive(t, hook.queries.Load())

	// entities stay on their own connection
	_, err = reporting.NewSelect().Model((*account)(nil)).Count(ctx)
	assert.Error(t, err)

	viaModule, err := m.DB("reporting")
	require.NoError(t, err)
	assert.Same(t, reporting, viaModule)

	require.NoError(t, app.Shutdown(ctx))
	assert.Empty(t, manager.Names())
	_, err = InvokeDB(app.Container(), "reporting")
	assert.ErrorIs(t, err, database.ErrNotConnected)
}

func TestModuleReusesContainerManager(t *testing.T) {
	ctx := context.Background()
	injector := do.New()
	shared := database.NewConnectionManager(database.WithManagerLogger(database.NopLogger()))
	do.ProvideValue(injector, shared)

	app, _ := newApp(t, "", framework.WithContainer(injector))
	m := New(WithLogger(database.NopLogger()))
	app.Use(m)

	require.NoError(t, app.Bootstrap(ctx))
	assert.Same(t, shared, m.ConnectionManager())
	assert.True(t, shared.Has("reporting"))

	require.NoError(t, app.Shutdown(ctx))
	assert.False(t, shared.Has("reporting"))
	assert.False(t, shared.Has(database.DefaultConnectionName))
}

func TestModuleOpenIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	missing := filepath.Join(t.TempDir(), "absent", "broken.db")
	app, _ := newApp(t, fmt.Sprintf(`
    - name: broken
      type: sqlite
      dbname: %s
      health_check_interval: 0
`, missing))
	m := New(WithLogger(database.NopLogger()))
	app.Use(m)

	err := app.Bootstrap(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	require.NotNil(t, m.ConnectionManager())
	assert.Empty(t, m.ConnectionManager().Names())
	_, err = InvokeDB(app.Container(), "reporting")
	assert.Error(t, err)
}

func TestModuleRejectsMissingDirectories(t *testing.T) {
	app, _ := newApp(t, `
    - name: seeded
      type: sqlite
      dbname: seeded
      seed_directories: [db/seeds]
`)
	app.Use(New(WithLogger(database.NopLogger())))

	err := app.Bootstrap(context.Background())
	require.ErrorIs(t, err, database.ErrPathNotFound)
}

func TestModuleRunsMigrationsFromSourceDirectory(t *testing.T) {
	ctx := context.Background()
	app, dir := newApp(t, `
    - name: ledger
      type: sqlite
      dbname: ledger.db
      health_check_interval: 0
      migration_directories: [migrations]
`)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "migrations"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "migrations", "20240101000000_ledger.up.sql"),
		[]byte("CREATE TABLE ledger (id INTEGER PRIMARY KEY);\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "migrations", "20240101000000_ledger.down.sql"),
		[]byte("DROP TABLE ledger;\n"), 0o644))
	t.Chdir(dir)

	reg := prometheus.NewRegistry()
	m := New(WithLogger(database.NopLogger()), WithRunMigrations(), WithMetricsRegisterer(reg))
	app.Use(m)
	require.NoError(t, app.Bootstrap(ctx))
	t.Cleanup(func() { _ = app.Shutdown(ctx) })

	db, err := m.DB("ledger")
	require.NoError(t, err)
	count, err := db.NewSelect().Table("ledger").Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestInitValidatesConfig(t *testing.T) {
	cases := []struct {
		doc  string
		want error
	}{
		{"{}", ErrNoConnections},
		{"connections: [{type: sqlite}]", database.ErrConnectionNameEmpty},
		{"connections: [{name: a, type: sqlite}, {name: a, type: sqlite}]", database.ErrDuplicateName},
		{"connection: {type: sqlite}\nconnections: [{name: default, type: sqlite}]", database.ErrDuplicateName},
	}
	for _, tc := range cases {
		section, err := framework.NewConfigSection(tc.doc)
		require.NoError(t, err)
		err = New().Init(&framework.InitOptions{Container: do.New()}, section)
		assert.ErrorIs(t, err, tc.want, tc.doc)
	}

	err := New().Init(&framework.InitOptions{}, framework.ConfigSection{})
	assert.ErrorIs(t, err, ErrNoConnections)
}

func TestValidateReportsConnectionsIndex(t *testing.T) {
	for _, doc := range []string{
		"connections: [{name: a, type: sqlite}, {type: sqlite}]",
		"connection: {type: sqlite}\nconnections: [{name: a, type: sqlite}, {type: sqlite}]",
		"connection: {type: sqlite}\nconnections: [null, {type: sqlite}]",
	} {
		section, err := framework.NewConfigSection(doc)
		require.NoError(t, err)
		var cfg Config
		require.NoError(t, section.Decode(&cfg))

		err = cfg.Validate()
		require.ErrorIs(t, err, database.ErrConnectionNameEmpty, doc)
		assert.Contains(t, err.Error(), "connections[1]", doc)
	}
}

func TestConfigAllAndDefaultName(t *testing.T) {
	section, err := framework.NewConfigSection(`
connection:
  name: main
  type: postgres
connections:
  - name: reporting
    type: mysql
`)
	require.NoError(t, err)

	var cfg Config
	require.NoError(t, section.Decode(&cfg))
	all := cfg.All()
	require.Len(t, all, 2)
	assert.Equal(t, "main", all[0].Name)
	assert.Equal(t, "reporting", all[1].Name)
	assert.Equal(t, "main", cfg.DefaultName())
	// defaults survive decoding
	assert.Equal(t, database.DefaultConnectionOptions().MaxOpenConns, all[1].MaxOpenConns)

	onlyNamed := Config{Connections: []*database.ConnectionOptions{{Name: "x"}}}
	assert.Equal(t, "", onlyNamed.DefaultName())
}

func TestModuleBeforeBootstrap(t *testing.T) {
	m := New()
	assert.ErrorIs(t, m.OnBootstrap(context.Background()), ErrNotInitialized)
	assert.NoError(t, m.OnShutdown(context.Background()))
	_, err := m.DB("")
	assert.ErrorIs(t, err, database.ErrManagerUnavailable)
}

func TestModuleDBDefaultsToConfiguredName(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	app := newAppFromConfig(t, dir, fmt.Sprintf(`
bun:
  connection:
    name: main
    type: sqlite
    dbname: %s
    health_check_interval: 0
`, filepath.Join(dir, "main.db")))
	m := New(WithLogger(database.NopLogger()))
	app.Use(m)
	require.NoError(t, app.Bootstrap(ctx))
	t.Cleanup(func() { _ = app.Shutdown(ctx) })

	viaModule, err := m.DB("")
	require.NoError(t, err)
	viaContainer, err := InvokeDB(app.Container(), "")
	require.NoError(t, err)
	assert.Same(t, viaContainer, viaModule)

	named, err := m.DB("main")
	require.NoError(t, err)
	assert.Same(t, named, viaModule)

	require.NoError(t, app.Shutdown(ctx))
	_, err = m.DB("main")
	assert.ErrorIs(t, err, database.ErrConnectionNotFound)
}

func TestModuleSharedContainerAcrossApplications(t *testing.T) {
	ctx := context.Background()
	injector := do.New()

	first, _ := newApp(t, "", framework.WithContainer(injector))
	first.Use(New(WithLogger(database.NopLogger())))
	require.NoError(t, first.Bootstrap(ctx))

	// connection names are still taken while the first one runs
	overlapping, _ := newApp(t, "", framework.WithContainer(injector))
	overlapping.Use(New(WithLogger(database.NopLogger())))
	err := overlapping.Bootstrap(ctx)
	require.ErrorIs(t, err, database.ErrConnectionExists)

	live, err := InvokeDB(injector, "reporting")
	require.NoError(t, err)
	require.NoError(t, live.PingContext(ctx))
	require.NoError(t, first.Shutdown(ctx))

	second, _ := newApp(t, "", framework.WithContainer(injector))
	m := New(WithLogger(database.NopLogger()))
	second.Use(m)
	require.NotPanics(t, func() { err = second.Bootstrap(ctx) })
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Shutdown(ctx) })

	db, err := InvokeDB(injector, "reporting")
	require.NoError(t, err)
	assert.NotSame(t, live, db)
	require.NoError(t, db.PingContext(ctx))
	viaModule, err := m.DB("reporting")
	require.NoError(t, err)
	assert.Same(t, db, viaModule)
}

func TestModuleRestartDoesNotReapplySeeds(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "seeds", "common"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seeds", "common", "001_accounts.sql"),
		[]byte("INSERT INTO accounts (email) VALUES ('seed@example.com');\n"), 0o644))
	config := fmt.Sprintf(`
bun:
  connection:
    type: sqlite
    dbname: %s
    synchronize: true
    health_check_interval: 0
    connect_timeout: 5
    seed_directories: [seeds]
`, filepath.Join(dir, "app.db"))

	for run := 0; run < 2; run++ {
		app := newAppFromConfig(t, dir, config)
		m := New(WithLogger(database.NopLogger()), WithEntities("", (*account)(nil)))
		app.Use(m)
		require.NoError(t, app.Bootstrap(ctx), "run %d", run)

		accounts, err := InvokeRepository[account](app.Container(), "")
		require.NoError(t, err)
		n, err := accounts.Count(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "run %d", run)
		conn, err := m.ConnectionManager().Default()
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, conn.Options().ConnectTimeout)
		require.NoError(t, app.Shutdown(ctx))
	}
}
