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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tomoncle/bunmodule/utils"
)

var supportedTypes = []string{"mysql", "postgres", "postgresql", "sqlite", "sqlite3"}

// Normalize returns a validated copy of opts ready to be opened: the name
// defaults to DefaultConnectionName, DB_* environment variables override the
// configured values and every directory list is resolved against srcDir.
// The caller's options are never modified.
func Normalize(opts *ConnectionOptions, srcDir string) (*ConnectionOptions, error) {
	if opts == nil {
		return nil, fmt.Errorf("connection options cannot be empty")
	}

	cfg := opts.Clone()
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		cfg.Name = DefaultConnectionName
	}

	overrideFromEnv(cfg)

	cfg.Type = strings.ToLower(strings.TrimSpace(cfg.Type))
	if cfg.Type == "" {
		return nil, fmt.Errorf("connection %q: %w", cfg.Name, ErrDriverNotSpecified)
	}
	if !isSupportedType(cfg.Type) {
		return nil, fmt.Errorf("connection %q: %w: %s, supported types: %v", cfg.Name, ErrUnsupportedDriver, cfg.Type, supportedTypes)
	}

	cfg.MigrationDirectories = NormalizeDirectories(cfg.MigrationDirectories, srcDir)
	cfg.SeedDirectories = NormalizeDirectories(cfg.SeedDirectories, srcDir)
	cfg.ForeignKeyFiles = NormalizeDirectories(cfg.ForeignKeyFiles, srcDir)

	for _, group := range [][]string{cfg.MigrationDirectories, cfg.SeedDirectories, cfg.ForeignKeyFiles} {
		for _, p := range group {
			if _, err := os.Stat(p); err != nil {
				return nil, fmt.Errorf("connection %q: %w: %s", cfg.Name, ErrPathNotFound, p)
			}
		}
	}

	return cfg, nil
}

// NormalizeDirectories prefixes every relative path with srcDir. Absolute
// paths are kept; an empty input yields an empty, non-nil slice.
func NormalizeDirectories(dirs []string, srcDir string) []string {
	out := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		if srcDir == "" || filepath.IsAbs(dir) {
			out = append(out, filepath.Clean(dir))
			continue
		}
		out = append(out, filepath.Join(srcDir, dir))
	}
	return out
}

func isSupportedType(t string) bool {
	for _, s := range supportedTypes {
		if t == s {
			return true
		}
	}
	return false
}

// EnvPrefix returns the environment variable prefix for a connection:
// "DB_" for the default connection and "DB_<NAME>_" otherwise.
func EnvPrefix(name string) string {
	if name == "" || name == DefaultConnectionName {
		return "DB_"
	}
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return "DB_" + b.String() + "_"
}

// overrideFromEnv overrides configuration values from environment variables.
func overrideFromEnv(cfg *ConnectionOptions) {
	prefix := EnvPrefix(cfg.Name)
	env := func(key string) string { return os.Getenv(prefix + key) }
	// durations take Go syntax or integer seconds, like the YAML settings
	envDuration := func(key string, dst *time.Duration) {
		if v := env(key); v != "" {
			if d, err := ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	envBool := func(key string, dst *bool) {
		*dst = utils.EnvDefaultBool(prefix+key, *dst)
	}

	// Database connection info
	if typ := env("TYPE"); typ != "" {
		cfg.Type = typ
	}
	if dsn := env("DSN"); dsn != "" {
		cfg.DSN = dsn
	}
	if host := env("HOST"); host != "" {
		cfg.Host = host
	}
	if port := env("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if username := env("USERNAME"); username != "" {
		cfg.Username = username
	}
	if password := env("PASSWORD"); password != "" {
		cfg.Password = password
	}
	if dbname := env("NAME"); dbname != "" {
		cfg.DBName = dbname
	}
	if sslmode := env("SSLMODE"); sslmode != "" {
		cfg.SSLMode = sslmode
	}

	// Connection pool config
	if maxIdle := env("MAX_IDLE_CONNS"); maxIdle != "" {
		if val, err := strconv.Atoi(maxIdle); err == nil {
			cfg.MaxIdleConns = val
		}
	}
	if maxOpen := env("MAX_OPEN_CONNS"); maxOpen != "" {
		if val, err := strconv.Atoi(maxOpen); err == nil {
			cfg.MaxOpenConns = val
		}
	}
	envDuration("CONN_MAX_LIFETIME", &cfg.ConnMaxLifetime)
	envDuration("CONNECT_TIMEOUT", &cfg.ConnectTimeout)

	// Reconnect config
	envBool("ENABLE_RECONNECT", &cfg.EnableReconnect)
	envDuration("RECONNECT_INTERVAL", &cfg.ReconnectInterval)
	envDuration("HEALTH_CHECK_INTERVAL", &cfg.HealthCheckInterval)

	// Schema and logging config
	envBool("ENABLE_QUERY_LOG", &cfg.EnableQueryLog)
	envDuration("SLOW_QUERY_TIME", &cfg.SlowQueryTime)
	envBool("MIGRATIONS_RUN", &cfg.MigrationsRun)
	envBool("SEED_IGNORE_DUPLICATES", &cfg.SeedIgnoreDuplicates)
	if seedEnv := env("SEED_ENVIRONMENT"); seedEnv != "" {
		cfg.SeedEnvironment = seedEnv
	}
}
