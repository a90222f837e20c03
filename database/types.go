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
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConnectionName is used when a connection is configured without a name.
const DefaultConnectionName = "default"

// HealthStatus holds the result of a health check against a connection.
type HealthStatus struct {
	Name          string        `json:"name"`
	Healthy       bool          `json:"healthy"`
	Connected     bool          `json:"connected"`
	ResponseTime  time.Duration `json:"response_time"`
	ActiveConns   int           `json:"active_conns"`
	IdleConns     int           `json:"idle_conns"`
	MaxOpenConns  int           `json:"max_open_conns"`
	LastError     string        `json:"last_error,omitempty"`
	LastCheckTime time.Time     `json:"last_check_time"`
}

// DBStats mirrors database/sql stats returned by a connection.
type DBStats struct {
	MaxOpenConns      int           `json:"max_open_conns"`
	OpenConns         int           `json:"open_conns"`
	InUse             int           `json:"in_use"`
	Idle              int           `json:"idle"`
	WaitCount         int64         `json:"wait_count"`
	WaitDuration      time.Duration `json:"wait_duration"`
	MaxIdleClosed     int64         `json:"max_idle_closed"`
	MaxIdleTimeClosed int64         `json:"max_idle_time_closed"`
	MaxLifetimeClosed int64         `json:"max_lifetime_closed"`
}

// ConnectionOptions describes how to open one Bun connection, tune its pool
// and prepare its schema.
type ConnectionOptions struct {
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type" json:"type"` // postgres、mysql、sqlite
	DSN      string `yaml:"dsn" json:"dsn,omitempty"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	DBName   string `yaml:"dbname" json:"dbname"`
	SSLMode  string `yaml:"sslmode" json:"sslmode"`
	Charset  string `yaml:"charset" json:"charset"` // MySQL:utf8mb4

	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`

	EnableReconnect     bool          `yaml:"enable_reconnect" json:"enable_reconnect"`
	ReconnectInterval   time.Duration `yaml:"reconnect_interval" json:"reconnect_interval"`
	MaxReconnectTries   int           `yaml:"max_reconnect_tries" json:"max_reconnect_tries"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`

	EnableQueryLog bool          `yaml:"enable_query_log" json:"enable_query_log"`
	SlowQueryTime  time.Duration `yaml:"slow_query_time" json:"slow_query_time"`
	Tracing        bool          `yaml:"tracing" json:"tracing"`

	Synchronize          bool     `yaml:"synchronize" json:"synchronize"`
	MigrationsRun        bool     `yaml:"migrations_run" json:"migrations_run"`
	MigrationsTable      string   `yaml:"migrations_table" json:"migrations_table"`
	MigrationDirectories []string `yaml:"migration_directories" json:"migration_directories"`
	SeedDirectories      []string `yaml:"seed_directories" json:"seed_directories"`
	SeedEnvironment      string   `yaml:"seed_environment" json:"seed_environment"`
	SeedTemplate         bool     `yaml:"seed_template" json:"seed_template"`
	SeedIgnoreDuplicates bool     `yaml:"seed_ignore_duplicates" json:"seed_ignore_duplicates"`
	SeedsTable           string   `yaml:"seeds_table" json:"seeds_table"`
	ForeignKeyFiles      []string `yaml:"foreign_key_files" json:"foreign_key_files"`
}

// DefaultConnectionOptions returns connection options with sensible defaults.
func DefaultConnectionOptions() *ConnectionOptions {
	return &ConnectionOptions{
		MaxIdleConns:        10,
		MaxOpenConns:        100,
		ConnMaxLifetime:     time.Hour,
		ConnMaxIdleTime:     time.Minute * 30,
		ConnectTimeout:      time.Second * 10,
		ReadTimeout:         time.Second * 30,
		WriteTimeout:        time.Second * 30,
		EnableReconnect:     true,
		ReconnectInterval:   time.Second * 5,
		MaxReconnectTries:   3,
		HealthCheckInterval: time.Minute * 5,
		EnableQueryLog:      false,
		SlowQueryTime:       time.Second * 2,
		MigrationsTable:     "bun_migrations",
		SeedEnvironment:     "prod",
		SeedsTable:          "bun_seeds",
	}
}

// durationKeys are the duration settings; bare integers there are seconds.
var durationKeys = map[string]struct{}{
	"conn_max_lifetime":     {},
	"conn_max_idle_time":    {},
	"connect_timeout":       {},
	"read_timeout":          {},
	"write_timeout":         {},
	"reconnect_interval":    {},
	"health_check_interval": {},
	"slow_query_time":       {},
}

// UnmarshalYAML decodes on top of DefaultConnectionOptions, so keys missing
// from the document keep their defaults and explicit zero values win.
// Durations accept Go syntax ("5s", "1h30m") or integer seconds.
func (o *ConnectionOptions) UnmarshalYAML(value *yaml.Node) error {
	type plain ConnectionOptions
	decoded := plain(*DefaultConnectionOptions())
	if err := secondsAsDurations(value).Decode(&decoded); err != nil {
		return err
	}
	*o = ConnectionOptions(decoded)
	return nil
}

// secondsAsDurations returns value with integer duration settings rewritten
// as "<n>s". The caller's node is left untouched.
func secondsAsDurations(value *yaml.Node) *yaml.Node {
	if value == nil || value.Kind != yaml.MappingNode {
		return value
	}
	out := *value
	out.Content = append([]*yaml.Node(nil), value.Content...)
	for i := 0; i+1 < len(out.Content); i += 2 {
		if _, ok := durationKeys[out.Content[i].Value]; !ok {
			continue
		}
		v := out.Content[i+1]
		if v.Kind != yaml.ScalarNode || v.ShortTag() != "!!int" {
			continue
		}
		seconds := *v
		seconds.Tag = "!!str"
		seconds.Value = v.Value + "s"
		out.Content[i+1] = &seconds
	}
	return &out
}

// ParseDuration reads Go duration syntax or, for a bare integer, seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// Clone returns a deep copy of the options.
func (o *ConnectionOptions) Clone() *ConnectionOptions {
	if o == nil {
		return nil
	}
	cp := *o
	cp.MigrationDirectories = cloneStrings(o.MigrationDirectories)
	cp.SeedDirectories = cloneStrings(o.SeedDirectories)
	cp.ForeignKeyFiles = cloneStrings(o.ForeignKeyFiles)
	return &cp
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
