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
	"errors"
	"fmt"
	"strings"

	"github.com/tomoncle/bunmodule/database"
)

// ErrNoConnections is returned when the configuration declares neither a
// default connection nor named ones.
var ErrNoConnections = errors.New("no database connection configured")

// Config is the "bun" configuration section.
//
//	bun:
//	  connection:
//	    type: sqlite
//	    dbname: app
//	  connections:
//	    - name: reporting
//	      type: postgres
//	      host: 127.0.0.1
type Config struct {
	// Connection is the default connection; its name defaults to "default".
	Connection  *database.ConnectionOptions   `yaml:"connection" json:"connection"`
	Connections []*database.ConnectionOptions `yaml:"connections" json:"connections"`
}

// All returns the default connection first, then the named ones.
func (c *Config) All() []*database.ConnectionOptions {
	all := make([]*database.ConnectionOptions, 0, len(c.Connections)+1)
	if c.Connection != nil {
		all = append(all, c.Connection)
	}
	for _, conn := range c.Connections {
		if conn != nil {
			all = append(all, conn)
		}
	}
	return all
}

// DefaultName returns the name of the connection published as the
// container's unnamed *bun.DB, or "" when there is none.
func (c *Config) DefaultName() string {
	if c.Connection != nil {
		if name := strings.TrimSpace(c.Connection.Name); name != "" {
			return name
		}
		return database.DefaultConnectionName
	}
	for _, conn := range c.Connections {
		if conn != nil && strings.TrimSpace(conn.Name) == database.DefaultConnectionName {
			return database.DefaultConnectionName
		}
	}
	return ""
}

// Validate checks that at least one connection is configured, that named
// connections carry a name and that names are unique.
func (c *Config) Validate() error {
	if len(c.All()) == 0 {
		return ErrNoConnections
	}

	seen := make(map[string]struct{}, len(c.Connections)+1)
	if c.Connection != nil {
		name := strings.TrimSpace(c.Connection.Name)
		if name == "" {
			name = database.DefaultConnectionName
		}
		seen[name] = struct{}{}
	}
	for i, conn := range c.Connections {
		if conn == nil {
			continue
		}
		name := strings.TrimSpace(conn.Name)
		if name == "" {
			return fmt.Errorf("connections[%d]: %w", i, database.ErrConnectionNameEmpty)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("%w: %s", database.ErrDuplicateName, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}
