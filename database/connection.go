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
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"
	"github.com/uptrace/bun/schema"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

var sqlOpen = sql.Open

const defaultConnectTimeout = 30 * time.Second

// Connection owns one Bun database handle and its supporting machinery:
// pool tuning, query hooks, entity registration, pool metrics and an
// optional health monitor that reconnects on failure.
type Connection struct {
	options    *ConnectionOptions
	entities   *EntityRegistry
	hooks      []bun.QueryHook
	logger     Logger
	registerer prometheus.Registerer

	mu             sync.RWMutex
	db             *bun.DB
	sqlDB          *sql.DB
	connected      bool
	lastError      error
	healthStatus   *HealthStatus
	reconnectTries int
	collector      prometheus.Collector
	monitorCancel  context.CancelFunc
	monitorDone    chan struct{}
}

// NewConnection returns an unconnected Connection for already normalized
// options. Use Normalize first when the options come from configuration.
func NewConnection(opts *ConnectionOptions) *Connection {
	if opts == nil {
		opts = DefaultConnectionOptions()
	}
	opts = opts.Clone()
	if opts.Name == "" {
		opts.Name = DefaultConnectionName
	}
	return &Connection{
		options:      opts,
		entities:     NewEntityRegistry(),
		logger:       GetLogger(),
		healthStatus: &HealthStatus{Name: opts.Name},
	}
}

func (c *Connection) Name() string {
	return c.options.Name
}

// Options returns a copy of the connection options.
func (c *Connection) Options() *ConnectionOptions {
	return c.options.Clone()
}

func (c *Connection) SetLogger(logger Logger) {
	if logger == nil {
		logger = NopLogger()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
}

// SetRegisterer enables pool metrics for the connection. It takes effect on
// the next Connect.
func (c *Connection) SetRegisterer(reg prometheus.Registerer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registerer = reg
}

// RegisterEntities binds models to the connection. Models are registered
// with Bun on connect and created by Synchronize.
func (c *Connection) RegisterEntities(models ...SQLModel) {
	c.entities.Register(models...)
}

func (c *Connection) Entities() []SQLModel {
	return c.entities.Models()
}

// AddQueryHook installs hooks on the Bun handle; hooks added after Connect
// are applied on the next (re)connect.
func (c *Connection) AddQueryHook(hooks ...bun.QueryHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hooks...)
}

func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return err
	}
	c.startMonitorLocked()
	return nil
}

func (c *Connection) connectLocked(ctx context.Context) error {
	if c.connected && c.db != nil {
		return nil
	}

	sqlDB, db, err := c.createConnection()
	if err != nil {
		c.lastError = err
		return fmt.Errorf("failed to create database connection %q: %w", c.options.Name, err)
	}

	c.configureConnectionPool(sqlDB)

	timeout := c.options.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(ctxTimeout); err != nil {
		_ = db.Close()
		c.lastError = err
		return fmt.Errorf("database connection test failed for %q: %w", c.options.Name, err)
	}

	db.RegisterModel(c.entities.Instances()...)

	c.db = db
	c.sqlDB = sqlDB
	c.connected = true
	c.lastError = nil
	c.reconnectTries = 0
	c.registerMetricsLocked()

	c.logger.Info("Database connected successfully",
		"connection", c.options.Name,
		"type", c.options.Type,
		"host", c.options.Host,
		"entities", c.entities.Len(),
	)
	return nil
}

func (c *Connection) createConnection() (*sql.DB, *bun.DB, error) {
	driverName, dsn, dialect, system, err := c.resolveDriver()
	if err != nil {
		return nil, nil, err
	}

	if c.options.Tracing {
		driverName, err = otelsql.Register(driverName,
			otelsql.WithAttributes(semconv.DBSystemKey.String(system)),
			otelsql.WithSQLCommenter(true),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to register otelsql: %w", err)
		}
	}

	sqlDB, err := sqlOpen(driverName, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("sql open: %w", err)
	}

	db := bun.NewDB(sqlDB, dialect)

	if c.options.EnableQueryLog {
		db.AddQueryHook(bundebug.NewQueryHook(
			bundebug.WithVerbose(true),
			bundebug.FromEnv("BUNDEBUG"),
		))
	}
	if c.options.SlowQueryTime > 0 {
		db.AddQueryHook(&SlowQueryHook{
			Connection: c.options.Name,
			Threshold:  c.options.SlowQueryTime,
			Logger:     c.logger,
		})
	}
	db.AddQueryHook(&ErrorQueryHook{Connection: c.options.Name, Logger: c.logger})
	for _, hook := range c.hooks {
		db.AddQueryHook(hook)
	}

	return sqlDB, db, nil
}

// resolveDriver maps the connection type to the database/sql driver name,
// DSN, Bun dialect and OpenTelemetry db.system value.
func (c *Connection) resolveDriver() (driver, dsn string, dialect schema.Dialect, system string, err error) {
	switch c.options.Type {
	case "mysql":
		return "mysql", c.mysqlDSN(), mysqldialect.New(), "mysql", nil
	case "postgres", "postgresql":
		return "postgres", c.postgresDSN(), pgdialect.New(), "postgresql", nil
	case "sqlite", "sqlite3":
		return sqliteshim.ShimName, c.sqliteDSN(), sqlitedialect.New(), "sqlite", nil
	case "":
		return "", "", nil, "", ErrDriverNotSpecified
	default:
		return "", "", nil, "", fmt.Errorf("%w: %s", ErrUnsupportedDriver, c.options.Type)
	}
}

func (c *Connection) mysqlDSN() string {
	if c.options.DSN != "" {
		return c.options.DSN
	}
	charset := c.options.Charset
	if charset == "" {
		charset = "utf8mb4"
	}

	mc := mysql.NewConfig()
	mc.User = c.options.Username
	mc.Passwd = c.options.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(c.options.Host, strconv.Itoa(c.options.Port))
	mc.DBName = c.options.DBName
	mc.ParseTime = true
	mc.Loc = time.Local
	mc.Timeout = c.options.ConnectTimeout
	mc.ReadTimeout = c.options.ReadTimeout
	mc.WriteTimeout = c.options.WriteTimeout
	mc.Params = map[string]string{"charset": charset}
	return mc.FormatDSN()
}

func (c *Connection) postgresDSN() string {
	if c.options.DSN != "" {
		return c.options.DSN
	}
	sslMode := c.options.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.options.Host, strconv.Itoa(c.options.Port)),
		Path:   c.options.DBName,
	}
	if c.options.Password != "" {
		u.User = url.UserPassword(c.options.Username, c.options.Password)
	} else if c.options.Username != "" {
		u.User = url.User(c.options.Username)
	}

	q := u.Query()
	q.Set("sslmode", sslMode)
	if c.options.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(c.options.ConnectTimeout.Seconds())))
	}
	if c.options.Charset != "" {
		q.Set("client_encoding", c.options.Charset)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Connection) sqliteDSN() string {
	if c.options.DSN != "" {
		return c.options.DSN
	}
	name := c.options.DBName
	switch {
	case name == ":memory:":
		// one shared in-memory database per connection name
		return fmt.Sprintf("file:%s?mode=memory&cache=shared", url.PathEscape(c.Name()))
	case strings.HasSuffix(name, ".db"), strings.HasSuffix(name, ".sqlite"), strings.HasSuffix(name, ".sqlite3"):
		return name
	default:
		return fmt.Sprintf("%s.db", name)
	}
}

func (c *Connection) configureConnectionPool(sqlDB *sql.DB) {
	if sqlDB == nil {
		return
	}
	sqlDB.SetMaxIdleConns(c.options.MaxIdleConns)
	sqlDB.SetMaxOpenConns(c.options.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(c.options.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(c.options.ConnMaxIdleTime)
}

func (c *Connection) registerMetricsLocked() {
	if c.registerer == nil || c.sqlDB == nil {
		return
	}
	collector := collectors.NewDBStatsCollector(c.sqlDB, c.options.Name)
	if err := c.registerer.Register(collector); err != nil {
		c.logger.Warn("Failed to register connection pool metrics", "connection", c.options.Name, "error", err)
		return
	}
	c.collector = collector
}

func (c *Connection) unregisterMetricsLocked() {
	if c.collector == nil || c.registerer == nil {
		return
	}
	c.registerer.Unregister(c.collector)
	c.collector = nil
}

// Close stops the health monitor and closes the Bun handle.
func (c *Connection) Close() error {
	c.stopMonitor()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectLocked()
}

func (c *Connection) disconnectLocked() error {
	if c.db == nil {
		return nil
	}

	c.unregisterMetricsLocked()
	err := c.db.Close()
	c.db = nil
	c.sqlDB = nil
	c.connected = false

	if err != nil {
		c.logger.Error("Failed to close database connection", "connection", c.options.Name, "error", err)
		return fmt.Errorf("failed to close connection %q: %w", c.options.Name, err)
	}
	c.logger.Info("Database connection closed", "connection", c.options.Name)
	return nil
}

func (c *Connection) Reconnect(ctx context.Context) error {
	c.logger.Info("Attempting to reconnect to the database", "connection", c.options.Name)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.disconnectLocked(); err != nil {
		c.logger.Warn("Error disconnecting existing connection", "connection", c.options.Name, "error", err)
	}
	if err := c.connectLocked(ctx); err != nil {
		return err
	}
	c.startMonitorLocked()
	return nil
}

func (c *Connection) Ping(ctx context.Context) error {
	db := c.DB()
	if db == nil {
		return fmt.Errorf("connection %q: %w", c.options.Name, ErrNotConnected)
	}
	return db.PingContext(ctx)
}

func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Connection) DB() *bun.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}

func (c *Connection) SQLDB() *sql.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sqlDB
}

// LastHealthStatus returns the result of the most recent HealthCheck.
func (c *Connection) LastHealthStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return *c.healthStatus
}

func (c *Connection) HealthCheck(ctx context.Context) *HealthStatus {
	c.mu.RLock()
	db, sqlDB, connected := c.db, c.sqlDB, c.connected
	c.mu.RUnlock()

	start := time.Now()
	status := &HealthStatus{
		Name:          c.options.Name,
		LastCheckTime: start,
		Connected:     connected,
	}

	if db == nil {
		status.LastError = ErrNotConnected.Error()
		return status
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	err := db.PingContext(ctxTimeout)
	status.ResponseTime = time.Since(start)
	if err != nil {
		status.Connected = false
		status.LastError = err.Error()
	} else {
		status.Healthy = true
		status.Connected = true
	}

	if sqlDB != nil {
		stats := sqlDB.Stats()
		status.ActiveConns = stats.InUse
		status.IdleConns = stats.Idle
		status.MaxOpenConns = stats.MaxOpenConnections
	}

	c.mu.Lock()
	c.lastError = err
	c.healthStatus = status
	c.mu.Unlock()

	return status
}

func (c *Connection) Stats() *DBStats {
	sqlDB := c.SQLDB()
	if sqlDB == nil {
		return &DBStats{}
	}

	stats := sqlDB.Stats()
	return &DBStats{
		MaxOpenConns:      stats.MaxOpenConnections,
		OpenConns:         stats.OpenConnections,
		InUse:             stats.InUse,
		Idle:              stats.Idle,
		WaitCount:         stats.WaitCount,
		WaitDuration:      stats.WaitDuration,
		MaxIdleClosed:     stats.MaxIdleClosed,
		MaxIdleTimeClosed: stats.MaxIdleTimeClosed,
		MaxLifetimeClosed: stats.MaxLifetimeClosed,
	}
}

// Initialize prepares the schema of a connected database: entity tables and
// foreign keys when synchronize is set, pending migrations when
// migrations_run is set, then the seed directories.
func (c *Connection) Initialize(ctx context.Context) error {
	if c.DB() == nil {
		return fmt.Errorf("connection %q: %w", c.options.Name, ErrNotConnected)
	}
	if c.options.Synchronize {
		if err := c.Synchronize(ctx); err != nil {
			return fmt.Errorf("schema synchronization failed for %q: %w", c.options.Name, err)
		}
	}
	if c.options.MigrationsRun && len(c.options.MigrationDirectories) > 0 {
		if _, err := c.RunMigrations(ctx); err != nil {
			return fmt.Errorf("failed to run database migrations for %q: %w", c.options.Name, err)
		}
	}
	if len(c.options.SeedDirectories) > 0 {
		if _, err := c.Seed(ctx); err != nil {
			return fmt.Errorf("failed to seed %q: %w", c.options.Name, err)
		}
	}
	return nil
}

func (c *Connection) startMonitorLocked() {
	if c.options.HealthCheckInterval <= 0 || c.monitorCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.monitorCancel = cancel
	c.monitorDone = done
	go c.monitor(ctx, done)
}

func (c *Connection) stopMonitor() {
	c.mu.Lock()
	cancel, done := c.monitorCancel, c.monitorDone
	c.monitorCancel = nil
	c.monitorDone = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Connection) monitor(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.options.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, time.Second*10)
			status := c.HealthCheck(checkCtx)
			cancel()
			if !status.Healthy && c.options.EnableReconnect {
				c.handleReconnect(ctx)
			}
		}
	}
}

func (c *Connection) handleReconnect(ctx context.Context) {
	c.mu.Lock()
	if c.reconnectTries >= c.options.MaxReconnectTries {
		tries := c.reconnectTries
		c.mu.Unlock()
		c.logger.Error("Max reconnect attempts reached, stopping", "connection", c.options.Name, "tries", tries)
		return
	}
	c.reconnectTries++
	try := c.reconnectTries
	c.mu.Unlock()

	c.logger.Info("Starting database reconnect", "connection", c.options.Name, "try", try)

	select {
	case <-ctx.Done():
		return
	case <-time.After(c.options.ReconnectInterval):
	}

	timeout := c.options.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.Reconnect(rctx); err != nil {
		c.logger.Error("Reconnect failed", "connection", c.options.Name, "error", err, "try", try)
		return
	}
	c.logger.Info("Reconnect succeeded", "connection", c.options.Name)
}
