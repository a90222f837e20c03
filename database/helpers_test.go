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
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

type logEntry struct {
	level  string
	msg    string
	fields []interface{}
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) record(level, msg string, fields []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, fields: fields})
}

func (l *recordingLogger) SetLevel(LogLevel)                       {}
func (l *recordingLogger) Debug(msg string, fields ...interface{}) { l.record("debug", msg, fields) }
func (l *recordingLogger) Info(msg string, fields ...interface{})  { l.record("info", msg, fields) }
func (l *recordingLogger) Warn(msg string, fields ...interface{})  { l.record("warn", msg, fields) }
func (l *recordingLogger) Error(msg string, fields ...interface{}) { l.record("error", msg, fields) }

func (l *recordingLogger) messages(level string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.entries {
		if e.level == level {
			out = append(out, e.msg)
		}
	}
	return out
}

// sqliteOptions returns options for a file database in a temp directory,
// with the background monitor disabled.
func sqliteOptions(t *testing.T, name string) *ConnectionOptions {
	t.Helper()
	opts := DefaultConnectionOptions()
	opts.Name = name
	opts.Type = "sqlite"
	opts.DBName = filepath.Join(t.TempDir(), name+".db")
	opts.HealthCheckInterval = 0
	opts.SlowQueryTime = 0
	return opts
}

func openSQLite(t *testing.T, name string, setup ...func(*Connection)) *Connection {
	t.Helper()
	conn := NewConnection(sqliteOptions(t, name))
	conn.SetLogger(NopLogger())
	for _, s := range setup {
		s(conn)
	}
	require.NoError(t, conn.Connect(t.Context()))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// mockSQLOpen routes the next driver open to sqlmock and records the driver
// name and DSN that would have been used.
func mockSQLOpen(t *testing.T) (sqlmock.Sqlmock, *string, *string) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)

	var driver, dsn string
	orig := sqlOpen
	sqlOpen = func(driverName, dataSourceName string) (*sql.DB, error) {
		driver, dsn = driverName, dataSourceName
		return db, nil
	}
	t.Cleanup(func() { sqlOpen = orig })
	return mock, &driver, &dsn
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

type testUser struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID        int64     `bun:"id,pk,autoincrement"`
	Name      string    `bun:"name,notnull,unique"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type testOrder struct {
	bun.BaseModel `bun:"table:orders,alias:o"`

	ID     int64 `bun:"id,pk,autoincrement"`
	UserID int64 `bun:"user_id,notnull"`
}
