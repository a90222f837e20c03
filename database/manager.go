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
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// ConnectionManager keeps the named connections of an application.
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	logger      Logger
	registerer  prometheus.Registerer
}

type ManagerOption func(*ConnectionManager)

// ConnectionSetup customizes a connection after it is created and before it
// connects, e.g. to register entities or query hooks.
type ConnectionSetup func(*Connection)

func WithManagerLogger(logger Logger) ManagerOption {
	return func(m *ConnectionManager) {
		if logger == nil {
			logger = NopLogger()
		}
		m.logger = logger
	}
}

// WithRegisterer exports the pool statistics of every connection created by
// the manager.
func WithRegisterer(reg prometheus.Registerer) ManagerOption {
	return func(m *ConnectionManager) {
		m.registerer = reg
	}
}

func NewConnectionManager(opts ...ManagerOption) *ConnectionManager {
	m := &ConnectionManager{
		connections: make(map[string]*Connection),
		logger:      GetLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers an unconnected connection.
func (m *ConnectionManager) Create(opts *ConnectionOptions) (*Connection, error) {
	conn := NewConnection(opts)
	conn.SetLogger(m.logger)
	conn.SetRegisterer(m.registerer)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connections[conn.Name()]; ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectionExists, conn.Name())
	}
	m.connections[conn.Name()] = conn
	return conn, nil
}

// Open creates, connects and initializes a single connection.
func (m *ConnectionManager) Open(ctx context.Context, opts *ConnectionOptions, setups ...ConnectionSetup) (*Connection, error) {
	conns, err := m.OpenAll(ctx, []*ConnectionOptions{opts}, setups...)
	if err != nil {
		return nil, err
	}
	return conns[0], nil
}

// OpenAll opens the connections concurrently. Either all of them end up
// registered and connected or none does: on failure the ones that opened are
// closed again and the first error is returned.
func (m *ConnectionManager) OpenAll(ctx context.Context, opts []*ConnectionOptions, setups ...ConnectionSetup) ([]*Connection, error) {
	conns := make([]*Connection, 0, len(opts))
	for _, o := range opts {
		conn, err := m.Create(o)
		if err != nil {
			m.remove(conns...)
			return nil, err
		}
		for _, setup := range setups {
			setup(conn)
		}
		conns = append(conns, conn)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range conns {
		g.Go(func() error {
			return m.start(gctx, conn)
		})
	}
	if err := g.Wait(); err != nil {
		for _, conn := range conns {
			if cerr := conn.Close(); cerr != nil {
				m.logger.Warn("Failed to close connection after open failure", "connection", conn.Name(), "error", cerr)
			}
		}
		m.remove(conns...)
		return nil, err
	}
	return conns, nil
}

func (m *ConnectionManager) start(ctx context.Context, conn *Connection) error {
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	return conn.Initialize(ctx)
}

func (m *ConnectionManager) remove(conns ...*Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range conns {
		if m.connections[conn.Name()] == conn {
			delete(m.connections, conn.Name())
		}
	}
}

// Get returns a registered connection; an empty name means the default one.
func (m *ConnectionManager) Get(name string) (*Connection, error) {
	if name == "" {
		name = DefaultConnectionName
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, name)
	}
	return conn, nil
}

func (m *ConnectionManager) Default() (*Connection, error) {
	return m.Get(DefaultConnectionName)
}

func (m *ConnectionManager) Has(name string) bool {
	_, err := m.Get(name)
	return err == nil
}

// Names returns the registered connection names, sorted.
func (m *ConnectionManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.connections))
	for name := range m.connections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close unregisters the named connections, then closes them concurrently.
// Every connection is attempted; the failures are joined. If ctx ends first,
// its error is returned and the remaining closes finish in the background.
func (m *ConnectionManager) Close(ctx context.Context, names ...string) error {
	var (
		errs  = make([]error, len(names))
		conns = make([]*Connection, 0, len(names))
		g     errgroup.Group
	)
	for i, name := range names {
		conn, err := m.Get(name)
		if err != nil {
			errs[i] = err
			continue
		}
		conns = append(conns, conn)
	}
	m.remove(conns...)

	closeErrs := make([]error, len(conns))
	for i, conn := range conns {
		g.Go(func() error {
			closeErrs[i] = conn.Close()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("closing connections %v: %w", names, ctx.Err())
	}
	return errors.Join(append(errs, closeErrs...)...)
}

func (m *ConnectionManager) CloseAll(ctx context.Context) error {
	return m.Close(ctx, m.Names()...)
}

// HealthCheck pings every registered connection.
func (m *ConnectionManager) HealthCheck(ctx context.Context) map[string]*HealthStatus {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	var (
		mu     sync.Mutex
		result = make(map[string]*HealthStatus, len(conns))
		g      errgroup.Group
	)
	for _, conn := range conns {
		g.Go(func() error {
			status := conn.HealthCheck(ctx)
			mu.Lock()
			result[conn.Name()] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result
}
