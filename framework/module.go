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

package framework

import (
	"context"
	"time"

	"github.com/samber/do/v2"
	"github.com/tomoncle/bunmodule/utils"
)

// Settings are the framework-wide settings handed to every module.
type Settings struct {
	// SrcDirectory is the base for the relative paths found in module
	// configuration.
	SrcDirectory    string
	ConfigFile      string
	EnvFiles        []string
	ShutdownTimeout time.Duration
	LogLevel        string
	LogFormat       string
	LogFile         string
}

// DefaultSettings reads LOG_LEVEL and LOG_FORMAT from the environment.
func DefaultSettings() Settings {
	return Settings{
		SrcDirectory:    ".",
		EnvFiles:        []string{".env"},
		ShutdownTimeout: 30 * time.Second,
		LogLevel:        utils.EnvDefaultString("LOG_LEVEL", "info"),
		LogFormat:       utils.EnvDefaultString("LOG_FORMAT", "text"),
	}
}

// InitOptions is what a module receives before bootstrap.
type InitOptions struct {
	Container do.Injector
	Settings  Settings
}

// Module is a unit of the application lifecycle. Init is called for every
// module before any OnBootstrap; OnShutdown runs in reverse order.
type Module interface {
	Name() string
	ConfigurationName() string
	IsConfigurationRequired() bool
	Init(options *InitOptions, config ConfigSection) error
	OnBootstrap(ctx context.Context) error
	AfterBootstrap(ctx context.Context) error
	OnShutdown(ctx context.Context) error
}
