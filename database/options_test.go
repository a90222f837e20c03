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

package database

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestNormalizeDirectories(t *testing.T) {
	abs := filepath.Join(string(filepath.Separator), "srv", "migrations")

	assert.Equal(t, []string{}, NormalizeDirectories(nil, "/app"))
	assert.Equal(t, []string{}, NormalizeDirectories([]string{" ", ""}, "/app"))
	assert.Equal(t,
		[]string{filepath.Join("/app", "db/migrations"), abs},
		NormalizeDirectories([]string{"db/migrations", abs}, "/app"),
	)
	assert.Equal(t, []string{"db/seeds"}, NormalizeDirectories([]string{"db/./seeds"}, ""))
}

func TestNormalizeDefaultsAndPrefixesPaths(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "migrations"), 0o755))
	writeFile(t, filepath.Join(src, "fk.yaml"), "foreign_keys: []\n")

	in := &ConnectionOptions{
		Type:                 " SQLite ",
		DBName:               "app",
		MigrationDirectories: []string{"migrations"},
		ForeignKeyFiles:      []string{"fk.yaml"},
	}
	out, err := Normalize(in, src)
	require.NoError(t, err)

	assert.Equal(t, DefaultConnectionName, out.Name)
	assert.Equal(t, "sqlite", out.Type)
	assert.Equal(t, []string{filepath.Join(src, "migrations")}, out.MigrationDirectories)
	assert.Equal(t, []string{filepath.Join(src, "fk.yaml")}, out.ForeignKeyFiles)
	assert.NotNil(t, out.SeedDirectories)
	assert.Empty(t, out.SeedDirectories)

	// the caller's options are left alone
	assert.Equal(t, "", in.Name)
	assert.Equal(t, []string{"migrations"}, in.MigrationDirectories)
}

func TestNormalizeErrors(t *testing.T) {
	_, err := Normalize(nil, "")
	require.Error(t, err)

	_, err = Normalize(&ConnectionOptions{Name: "main"}, "")
	require.ErrorIs(t, err, ErrDriverNotSpecified)
	assert.Contains(t, err.Error(), `"main"`)

	_, err = Normalize(&ConnectionOptions{Type: "oracle"}, "")
	require.ErrorIs(t, err, ErrUnsupportedDriver)

	_, err = Normalize(&ConnectionOptions{Type: "postgres", SeedDirectories: []string{"missing"}}, t.TempDir())
	require.ErrorIs(t, err, ErrPathNotFound)
}

func TestNormalizeEnvironmentOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "default.internal")
	t.Setenv("DB_REPORTING_TYPE", "mysql")
	t.Setenv("DB_REPORTING_HOST", "reporting.internal")
	t.Setenv("DB_REPORTING_PORT", "3307")
	t.Setenv("DB_REPORTING_PASSWORD", "s3cret")
	t.Setenv("DB_REPORTING_CONN_MAX_LIFETIME", "60")
	t.Setenv("DB_REPORTING_ENABLE_RECONNECT", "false")
	t.Setenv("DB_REPORTING_MIGRATIONS_RUN", "true")
	t.Setenv("DB_REPORTING_HEALTH_CHECK_INTERVAL", "2m")
	t.Setenv("DB_REPORTING_SEED_IGNORE_DUPLICATES", "1")
	t.Setenv("DB_REPORTING_ENABLE_QUERY_LOG", "maybe")
	t.Setenv("DB_REPORTING_SLOW_QUERY_TIME", "750ms")

	def, err := Normalize(&ConnectionOptions{Type: "postgres", Host: "localhost"}, "")
	require.NoError(t, err)
	assert.Equal(t, "default.internal", def.Host)

	rep, err := Normalize(&ConnectionOptions{Name: "reporting", Host: "localhost", EnableReconnect: true}, "")
	require.NoError(t, err)
	assert.Equal(t, "mysql", rep.Type)
	assert.Equal(t, "reporting.internal", rep.Host)
	assert.Equal(t, 3307, rep.Port)
	assert.Equal(t, "s3cret", rep.Password)
	assert.Equal(t, time.Minute, rep.ConnMaxLifetime)
	assert.False(t, rep.EnableReconnect)
	assert.True(t, rep.MigrationsRun)
	assert.Equal(t, 2*time.Minute, rep.HealthCheckInterval)
	assert.True(t, rep.SeedIgnoreDuplicates)
	assert.False(t, rep.EnableQueryLog, "unparsable booleans keep the configured value")
	assert.Equal(t, 750*time.Millisecond, rep.SlowQueryTime)
}

func TestConnectionOptionsYAMLDurations(t *testing.T) {
	doc := `
health_check_interval: 0
reconnect_interval: 5s
connect_timeout: 15
slow_query_time: "250ms"
conn_max_lifetime: 1h30m
`
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(doc), &node))

	var opts ConnectionOptions
	require.NoError(t, node.Decode(&opts))
	assert.Zero(t, opts.HealthCheckInterval)
	assert.Equal(t, 5*time.Second, opts.ReconnectInterval)
	assert.Equal(t, 15*time.Second, opts.ConnectTimeout)
	assert.Equal(t, 250*time.Millisecond, opts.SlowQueryTime)
	assert.Equal(t, 90*time.Minute, opts.ConnMaxLifetime)
	assert.Equal(t, DefaultConnectionOptions().ReadTimeout, opts.ReadTimeout)

	// decoding again sees the original integers
	var again ConnectionOptions
	require.NoError(t, node.Decode(&again))
	assert.Equal(t, 15*time.Second, again.ConnectTimeout)

	var bad ConnectionOptions
	assert.Error(t, yaml.Unmarshal([]byte("connect_timeout: soon\n"), &bad))
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("30")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	d, err = ParseDuration(" 2m ")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)

	_, err = ParseDuration("later")
	assert.Error(t, err)
}

func TestEnvPrefix(t *testing.T) {
	assert.Equal(t, "DB_", EnvPrefix(""))
	assert.Equal(t, "DB_", EnvPrefix(DefaultConnectionName))
	assert.Equal(t, "DB_REPORTING_", EnvPrefix("reporting"))
	assert.Equal(t, "DB_READ_REPLICA_2_", EnvPrefix("read-replica.2"))
}

func TestConnectionOptionsYAMLKeepsDefaults(t *testing.T) {
	doc := `
name: main
type: postgres
max_open_conns: 5
enable_reconnect: false
slow_query_time: 500ms
migration_directories: [db/migrations]
`
	var opts ConnectionOptions
	require.NoError(t, yaml.Unmarshal([]byte(doc), &opts))

	def := DefaultConnectionOptions()
	assert.Equal(t, "main", opts.Name)
	assert.Equal(t, 5, opts.MaxOpenConns)
	assert.Equal(t, def.MaxIdleConns, opts.MaxIdleConns)
	assert.Equal(t, def.MigrationsTable, opts.MigrationsTable)
	assert.False(t, opts.EnableReconnect)
	assert.Equal(t, 500*time.Millisecond, opts.SlowQueryTime)
	assert.Equal(t, []string{"db/migrations"}, opts.MigrationDirectories)
}

func TestConnectionOptionsClone(t *testing.T) {
	orig := &ConnectionOptions{Name: "a", SeedDirectories: []string{"seeds"}}
	cp := orig.Clone()
	cp.SeedDirectories[0] = "changed"
	cp.Name = "b"

	assert.Equal(t, "seeds", orig.SeedDirectories[0])
	assert.Equal(t, "a", orig.Name)
	assert.Nil(t, (*ConnectionOptions)(nil).Clone())
}
