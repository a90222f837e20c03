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
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/do/v2"
	"github.com/tomoncle/bunmodule/database"
	"github.com/tomoncle/bunmodule/framework"
	"github.com/tomoncle/bunmodule/repository"
	"github.com/uptrace/bun"
)

const (
	ModuleName        = "BunModule"
	ConfigurationName = "bun"

	// DBServicePrefix prefixes the container name of every published
	// *bun.DB: "bun.db.<connection>".
	DBServicePrefix = "bun.db."
)

var ErrNotInitialized = errors.New("module not initialized")

// Module opens the configured Bun connections when the application
// bootstraps and closes them on shutdown. Connections are opened through the
// *database.ConnectionManager found in the container, or a new one that is
// then provided to it.
type Module struct {
	entities      map[string][]database.SQLModel
	subscribers   map[string][]bun.QueryHook
	registerer    prometheus.Registerer
	logger        database.Logger
	runMigrations bool

	mu      sync.Mutex
	options *framework.InitOptions
	config  Config
	manager *database.ConnectionManager
	opened  []string
}

var _ framework.Module = (*Module)(nil)

type Option func(*Module)

// WithEntities binds models to a connection; "" means the default
// connection. Plain struct pointers are created in the given order, values
// implementing database.SQLModel use their own priority.
func WithEntities(connection string, models ...interface{}) Option {
	return func(m *Module) {
		m.entities[connection] = append(m.entities[connection], database.AsModels(models...)...)
	}
}

// WithSubscribers installs Bun query hooks on a connection; "" means the
// default connection.
func WithSubscribers(connection string, hooks ...bun.QueryHook) Option {
	return func(m *Module) {
		m.subscribers[connection] = append(m.subscribers[connection], hooks...)
	}
}

// WithMetricsRegisterer exports pool statistics when the module creates the
// connection manager itself.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(m *Module) {
		m.registerer = reg
	}
}

func WithLogger(logger database.Logger) Option {
	return func(m *Module) {
		if logger == nil {
			logger = database.NopLogger()
		}
		m.logger = logger
	}
}

// WithRunMigrations forces migrations_run on every connection.
func WithRunMigrations() Option {
	return func(m *Module) {
		m.runMigrations = true
	}
}

func New(opts ...Option) *Module {
	m := &Module{
		entities:    make(map[string][]database.SQLModel),
		subscribers: make(map[string][]bun.QueryHook),
		logger:      database.GetLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Module) Name() string {
	return ModuleName
}

func (m *Module) ConfigurationName() string {
	return ConfigurationName
}

func (m *Module) IsConfigurationRequired() bool {
	return true
}

// Init stores the framework options and decodes the "bun" section.
func (m *Module) Init(options *framework.InitOptions, section framework.ConfigSection) error {
	var cfg Config
	if err := section.Decode(&cfg); err != nil {
		return fmt.Errorf("failed to decode %s configuration: %w", ConfigurationName, err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.options = options
	m.config = cfg
	return nil
}

// OnBootstrap normalizes every configured connection and opens them all
// through the connection manager, then publishes their *bun.DB handles in
// the container.
func (m *Module) OnBootstrap(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.options == nil {
		return ErrNotInitialized
	}

	manager, err := m.resolveManager()
	if err != nil {
		return err
	}

	normalized := make([]*database.ConnectionOptions, 0, len(m.config.All()))
	for _, opts := range m.config.All() {
		n, err := database.Normalize(opts, m.options.Settings.SrcDirectory)
		if err != nil {
			return err
		}
		if m.runMigrations {
			n.MigrationsRun = true
		}
		normalized = append(normalized, n)
	}

	conns, err := manager.OpenAll(ctx, normalized, m.setupConnection)
	if err != nil {
		return err
	}

	// Override rather than Provide: a container shared with an earlier
	// application already holds providers under these names.
	m.opened = m.opened[:0]
	defaultName := m.config.DefaultName()
	for _, conn := range conns {
		m.opened = append(m.opened, conn.Name())
		do.OverrideNamedTransient(m.options.Container, DBServicePrefix+conn.Name(), currentDB(conn))
		if conn.Name() == defaultName {
			do.OverrideTransient(m.options.Container, currentDB(conn))
		}
	}

	m.logger.Info("Bun connections opened", "connections", m.opened)
	return nil
}

// currentDB resolves to the live handle so consumers follow reconnects and
// fail once the connection is closed.
func currentDB(conn *database.Connection) do.Provider[*bun.DB] {
	return func(do.Injector) (*bun.DB, error) {
		db := conn.DB()
		if db == nil {
			return nil, fmt.Errorf("connection %q: %w", conn.Name(), database.ErrNotConnected)
		}
		return db, nil
	}
}

func (m *Module) resolveManager() (*database.ConnectionManager, error) {
	if m.manager != nil {
		return m.manager, nil
	}
	container := m.options.Container
	if container == nil {
		return nil, database.ErrManagerUnavailable
	}

	manager, err := do.Invoke[*database.ConnectionManager](container)
	if err != nil && !errors.Is(err, do.ErrServiceNotFound) {
		return nil, fmt.Errorf("failed to resolve connection manager: %w", err)
	}
	if manager == nil {
		manager = database.NewConnectionManager(
			database.WithManagerLogger(m.logger),
			database.WithRegisterer(m.registerer),
		)
		do.OverrideValue(container, manager)
	}
	m.manager = manager
	return manager, nil
}

func (m *Module) setupConnection(conn *database.Connection) {
	keys := []string{conn.Name()}
	if conn.Name() == m.config.DefaultName() {
		keys = append(keys, "")
	}
	for _, key := range keys {
		conn.RegisterEntities(m.entities[key]...)
		conn.AddQueryHook(m.subscribers[key]...)
	}
}

func (m *Module) AfterBootstrap(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.manager == nil {
		return nil
	}
	for name, status := range m.manager.HealthCheck(ctx) {
		if !status.Healthy {
			m.logger.Warn("Connection unhealthy after bootstrap", "connection", name, "error", status.LastError)
		}
	}
	return nil
}

// OnShutdown closes every connection the module opened, default and named,
// concurrently. All closes are attempted and their errors joined.
func (m *Module) OnShutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.manager == nil || len(m.opened) == 0 {
		return nil
	}

	err := m.manager.Close(ctx, m.opened...)
	if err != nil {
		m.logger.Error("Failed to close Bun connections", "connections", m.opened, "error", err)
	} else {
		m.logger.Info("Bun connections closed", "connections", m.opened)
	}
	m.opened = nil
	return err
}

// ConnectionManager returns the manager used by the module, nil before
// bootstrap.
func (m *Module) ConnectionManager() *database.ConnectionManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manager
}

func (m *Module) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// DB returns the handle of an opened connection; "" means the default one.
func (m *Module) DB(name string) (*bun.DB, error) {
	manager := m.ConnectionManager()
	if manager == nil {
		return nil, database.ErrManagerUnavailable
	}
	if name == "" {
		cfg := m.Config()
		name = cfg.DefaultName()
	}
	conn, err := manager.Get(name)
	if err != nil {
		return nil, err
	}
	return currentDB(conn)(nil)
}

// InvokeDB resolves a published *bun.DB from a container; "" resolves the
// default connection.
func InvokeDB(container do.Injector, name string) (*bun.DB, error) {
	if name == "" {
		return do.Invoke[*bun.DB](container)
	}
	return do.InvokeNamed[*bun.DB](container, DBServicePrefix+name)
}

// InvokeRepository resolves a published connection and binds a repository for
// T to it; "" resolves the default connection.
func InvokeRepository[T any](container do.Injector, name string) (*repository.Repository[T], error) {
	db, err := InvokeDB(container, name)
	if err != nil {
		return nil, err
	}
	return repository.New[T](db), nil
}
