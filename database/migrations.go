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
	"fmt"
	"os"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

// MigrationStatus lists migration names discovered in the migration
// directories, split by whether they were applied.
type MigrationStatus struct {
	Applied []string `json:"applied"`
	Pending []string `json:"pending"`
}

// MigrationManager runs the SQL migrations of one connection through
// bun/migrate. Files follow bun's naming: <id>_<name>.up.sql and
// <id>_<name>.down.sql, statements separated by "--bun:split".
type MigrationManager struct {
	db          *bun.DB
	logger      Logger
	directories []string
	tableName   string
}

func NewMigrationManager(db *bun.DB, logger Logger, tableName string, directories ...string) *MigrationManager {
	if logger == nil {
		logger = NopLogger()
	}
	if tableName == "" {
		tableName = DefaultConnectionOptions().MigrationsTable
	}
	return &MigrationManager{
		db:          db,
		logger:      logger,
		directories: directories,
		tableName:   tableName,
	}
}

func (mm *MigrationManager) migrator() (*migrate.Migrator, error) {
	if mm.db == nil {
		return nil, ErrNotConnected
	}
	if len(mm.directories) == 0 {
		return nil, ErrNoMigrationSources
	}

	migrations := migrate.NewMigrations()
	for _, dir := range mm.directories {
		if err := migrations.Discover(os.DirFS(dir)); err != nil {
			return nil, fmt.Errorf("failed to discover migrations in %s: %w", dir, err)
		}
	}

	return migrate.NewMigrator(mm.db, migrations,
		migrate.WithTableName(mm.tableName),
		migrate.WithLocksTableName(mm.tableName+"_locks"),
		migrate.WithMarkAppliedOnSuccess(true),
	), nil
}

// RunMigrations applies every pending migration as one group and returns
// the names applied.
func (mm *MigrationManager) RunMigrations(ctx context.Context) ([]string, error) {
	migrator, err := mm.migrator()
	if err != nil {
		return nil, err
	}
	if err := migrator.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}
	if err := migrator.Lock(ctx); err != nil {
		return nil, fmt.Errorf("failed to lock migrations: %w", err)
	}
	defer func() {
		if err := migrator.Unlock(ctx); err != nil {
			mm.logger.Error("Failed to unlock migrations", "error", err)
		}
	}()

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return nil, err
	}
	if group.IsZero() {
		mm.logger.Info("No new migrations to run", "table", mm.tableName)
		return nil, nil
	}

	names := migrationNames(group.Migrations)
	mm.logger.Info("Database migrations completed!", "group", group.ID, "migrations", names)
	return names, nil
}

// RollbackMigrations rolls back the last applied group and returns the
// names rolled back.
func (mm *MigrationManager) RollbackMigrations(ctx context.Context) ([]string, error) {
	migrator, err := mm.migrator()
	if err != nil {
		return nil, err
	}
	if err := migrator.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}
	if err := migrator.Lock(ctx); err != nil {
		return nil, fmt.Errorf("failed to lock migrations: %w", err)
	}
	defer func() {
		if err := migrator.Unlock(ctx); err != nil {
			mm.logger.Error("Failed to unlock migrations", "error", err)
		}
	}()

	group, err := migrator.Rollback(ctx)
	if err != nil {
		return nil, err
	}
	if group.IsZero() {
		mm.logger.Info("No migrations to roll back", "table", mm.tableName)
		return nil, nil
	}

	names := migrationNames(group.Migrations)
	mm.logger.Info("Migration group rolled back", "group", group.ID, "migrations", names)
	return names, nil
}

func (mm *MigrationManager) Status(ctx context.Context) (*MigrationStatus, error) {
	migrator, err := mm.migrator()
	if err != nil {
		return nil, err
	}
	if err := migrator.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}
	ms, err := migrator.MigrationsWithStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &MigrationStatus{
		Applied: migrationNames(ms.Applied()),
		Pending: migrationNames(ms.Unapplied()),
	}, nil
}

func migrationNames(ms migrate.MigrationSlice) []string {
	names := make([]string, 0, len(ms))
	for _, m := range ms {
		if m.Comment == "" {
			names = append(names, m.Name)
			continue
		}
		names = append(names, m.Name+"_"+m.Comment)
	}
	return names
}

// RunMigrations applies pending migrations from the connection's
// migration directories.
func (c *Connection) RunMigrations(ctx context.Context) ([]string, error) {
	return c.migrationManager().RunMigrations(ctx)
}

// RollbackMigrations rolls back the last migration group.
func (c *Connection) RollbackMigrations(ctx context.Context) ([]string, error) {
	return c.migrationManager().RollbackMigrations(ctx)
}

func (c *Connection) MigrationStatus(ctx context.Context) (*MigrationStatus, error) {
	return c.migrationManager().Status(ctx)
}

func (c *Connection) migrationManager() *MigrationManager {
	return NewMigrationManager(c.DB(), c.logger, c.options.MigrationsTable, c.options.MigrationDirectories...)
}
