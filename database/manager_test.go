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
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(opts ...ManagerOption) *ConnectionManager {
	return NewConnectionManager(append([]ManagerOption{WithManagerLogger(NopLogger())}, opts...)...)
}

func TestManagerOpenAllAndClose(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	conns, err := m.OpenAll(ctx, []*ConnectionOptions{
		sqliteOptions(t, DefaultConnectionName),
		sqliteOptions(t, "reporting"),
	})
	require.NoError(t, err)
	require.Len(t, conns, 2)

	assert.Equal(t, []string{DefaultConnectionName, "reporting"}, m.Names())
	assert.True(t, m.Has("reporting"))
	assert.True(t, m.Has(""))
	assert.False(t, m.Has("missing"))

	def, err := m.Default()
	require.NoError(t, err)
	assert.Same(t, conns[0], def)
	assert.True(t, def.IsConnected())

	_, err = m.Get("missing")
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	health := m.HealthCheck(ctx)
	require.Len(t, health, 2)
	assert.True(t, health["reporting"].Healthy)
	assert.True(t, health[DefaultConnectionName].Healthy)

	require.NoError(t, m.CloseAll(ctx))
	assert.Empty(t, m.Names())
	for _, c := range conns {
		assert.False(t, c.IsConnected())
	}
}

func TestManagerOpenAllIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	good := sqliteOptions(t, "good")
	bad := &ConnectionOptions{Name: "bad", Type: "oracle"}

	var created []*Connection
	_, err := m.OpenAll(ctx, []*ConnectionOptions{good, bad}, func(c *Connection) {
		created = append(created, c)
	})
	require.ErrorIs(t, err, ErrUnsupportedDriver)

	assert.Empty(t, m.Names())
	require.Len(t, created, 2)
	for _, c := range created {
		assert.False(t, c.IsConnected(), c.Name())
	}
}

func TestManagerRejectsDuplicateNames(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	_, err := m.OpenAll(ctx, []*ConnectionOptions{sqliteOptions(t, "x"), sqliteOptions(t, "x")})
	require.ErrorIs(t, err, ErrConnectionExists)
	assert.Empty(t, m.Names())

	conn, err := m.Open(ctx, sqliteOptions(t, "x"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.CloseAll(ctx) })

	_, err = m.Create(sqliteOptions(t, "x"))
	require.ErrorIs(t, err, ErrConnectionExists)

	got, err := m.Get("x")
	require.NoError(t, err)
	assert.Same(t, conn, got)
}

func TestManagerCloseJoinsErrors(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	_, err := m.Open(ctx, sqliteOptions(t, "a"))
	require.NoError(t, err)

	err = m.Close(ctx, "a", "ghost")
	require.ErrorIs(t, err, ErrConnectionNotFound)
	assert.Contains(t, err.Error(), "ghost")
	assert.False(t, m.Has("a"))

	require.NoError(t, m.CloseAll(ctx))
}

func TestManagerCloseUnregistersWhenContextEnds(t *testing.T) {
	m := newTestManager()
	conn, err := m.Open(context.Background(), sqliteOptions(t, "a"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// the closes may or may not win the race against ctx
	_ = m.Close(ctx, "a")
	assert.False(t, m.Has("a"))
	assert.Empty(t, m.Names())
	assert.Eventually(t, func() bool { return !conn.IsConnected() }, 5*time.Second, 10*time.Millisecond)

	// the name is free for a new connection
	_, err = m.Open(context.Background(), sqliteOptions(t, "a"))
	require.NoError(t, err)
	require.NoError(t, m.CloseAll(context.Background()))
}

func TestManagerSetupRunsBeforeConnect(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	opts := sqliteOptions(t, DefaultConnectionName)
	opts.Synchronize = true

	conn, err := m.Open(ctx, opts, func(c *Connection) {
		assert.False(t, c.IsConnected())
		c.RegisterEntities(NewModelAdapter((*testUser)(nil), 0))
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.CloseAll(ctx) })

	count, err := conn.DB().NewSelect().Model((*testUser)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestManagerRegistersPoolMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := newTestManager(WithRegisterer(reg))

	_, err := m.Open(ctx, sqliteOptions(t, "metrics"))
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() != "go_sql_open_connections" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "db_name" && label.GetValue() == "metrics" {
					found = true
				}
			}
		}
	}
	assert.True(t, found, "pool metrics for the connection are exported")

	require.NoError(t, m.CloseAll(ctx))
	families, err = reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}
