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
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/samber/do/v2"
	"github.com/sirupsen/logrus"
	"github.com/tomoncle/bunmodule/utils"
)

var (
	ErrAlreadyBootstrapped  = errors.New("framework already bootstrapped")
	ErrMissingConfiguration = errors.New("missing required configuration section")
)

type state int

const (
	stateIdle state = iota
	stateStarting
	stateRunning
	stateStopped
)

// Framework drives the lifecycle of registered modules around a shared
// dependency container.
type Framework struct {
	settings  Settings
	container do.Injector
	logger    *logrus.Logger
	modules   []Module

	mu           sync.Mutex
	state        state
	bootstrapped []Module
	fileLog      bool
}

type Option func(*Framework)

// WithContainer shares an existing container instead of creating one.
func WithContainer(container do.Injector) Option {
	return func(f *Framework) {
		f.container = container
	}
}

func New(settings Settings, opts ...Option) *Framework {
	if settings.ShutdownTimeout <= 0 {
		settings.ShutdownTimeout = DefaultSettings().ShutdownTimeout
	}
	f := &Framework{
		settings: settings,
		logger:   utils.NewLogger("FRAMEWORK"),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.container == nil {
		f.container = do.New()
	}
	return f
}

// Use registers modules; they are initialized and bootstrapped in
// registration order.
func (f *Framework) Use(modules ...Module) *Framework {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modules = append(f.modules, modules...)
	return f
}

func (f *Framework) Container() do.Injector {
	return f.container
}

func (f *Framework) Settings() Settings {
	return f.settings
}

// Bootstrap loads the environment and configuration, initializes every
// module, then runs OnBootstrap and AfterBootstrap in registration order. If
// a module fails to bootstrap, the modules already bootstrapped are shut
// down in reverse order.
func (f *Framework) Bootstrap(ctx context.Context) error {
	f.mu.Lock()
	if f.state != stateIdle {
		f.mu.Unlock()
		return ErrAlreadyBootstrapped
	}
	f.state = stateStarting
	modules := append([]Module(nil), f.modules...)
	f.mu.Unlock()

	if err := f.configureLogging(); err != nil {
		return f.fail(err)
	}

	loaded, err := loadEnvFiles(f.settings.EnvFiles)
	if err != nil {
		return f.fail(err)
	}
	if len(loaded) > 0 {
		f.logger.WithField("files", loaded).Debug("Environment files loaded")
	}

	sections, err := loadConfigSections(f.settings.ConfigFile)
	if err != nil {
		return f.fail(err)
	}

	for _, m := range modules {
		section, ok := sections[m.ConfigurationName()]
		if !ok && m.IsConfigurationRequired() {
			return f.fail(fmt.Errorf("module %s: %w: %q", m.Name(), ErrMissingConfiguration, m.ConfigurationName()))
		}
		opts := &InitOptions{Container: f.container, Settings: f.settings}
		if err := m.Init(opts, section); err != nil {
			return f.fail(fmt.Errorf("failed to init module %s: %w", m.Name(), err))
		}
	}

	for _, m := range modules {
		f.logger.WithField("module", m.Name()).Debug("Bootstrapping module")
		if err := m.OnBootstrap(ctx); err != nil {
			f.rollback()
			return fmt.Errorf("failed to bootstrap module %s: %w", m.Name(), err)
		}
		f.mu.Lock()
		f.bootstrapped = append(f.bootstrapped, m)
		f.mu.Unlock()
	}

	for _, m := range modules {
		if err := m.AfterBootstrap(ctx); err != nil {
			f.rollback()
			return fmt.Errorf("module %s failed after bootstrap: %w", m.Name(), err)
		}
	}

	f.mu.Lock()
	f.state = stateRunning
	f.mu.Unlock()
	f.logger.WithField("modules", len(modules)).Info("Application bootstrapped")
	return nil
}

// fail marks a bootstrap that failed before any module was bootstrapped.
func (f *Framework) fail(err error) error {
	f.mu.Lock()
	f.state = stateStopped
	f.mu.Unlock()
	f.closeLogging()
	return err
}

func (f *Framework) rollback() {
	ctx, cancel := context.WithTimeout(context.Background(), f.settings.ShutdownTimeout)
	defer cancel()
	if err := f.shutdownModules(ctx); err != nil {
		f.logger.WithError(err).Error("Failed to shut down modules after bootstrap failure")
	}
	f.mu.Lock()
	f.state = stateStopped
	f.mu.Unlock()
	f.closeLogging()
}

// Shutdown calls OnShutdown on every bootstrapped module in reverse order,
// bounded by the shutdown timeout, and joins their errors. It is a no-op
// unless Bootstrap succeeded.
func (f *Framework) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	if f.state != stateRunning {
		f.mu.Unlock()
		return nil
	}
	f.state = stateStopped
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, f.settings.ShutdownTimeout)
	defer cancel()

	err := f.shutdownModules(ctx)
	if err != nil {
		f.logger.WithError(err).Error("Application shut down with errors")
	} else {
		f.logger.Info("Application shut down")
	}
	f.closeLogging()
	return err
}

func (f *Framework) shutdownModules(ctx context.Context) error {
	f.mu.Lock()
	modules := f.bootstrapped
	f.bootstrapped = nil
	f.mu.Unlock()

	var errs []error
	for i := len(modules) - 1; i >= 0; i-- {
		m := modules[i]
		if err := runBounded(ctx, m.OnShutdown); err != nil {
			errs = append(errs, fmt.Errorf("module %s: %w", m.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// runBounded returns when fn does or when ctx ends, whichever comes first.
func runBounded(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run bootstraps the application, waits for ctx to end or for SIGINT or
// SIGTERM, then shuts down.
func (f *Framework) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := f.Bootstrap(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	f.logger.Info("Shutdown signal received")
	return f.Shutdown(context.Background())
}

func (f *Framework) configureLogging() error {
	if f.settings.LogLevel != "" {
		utils.ConfigureLogLevel(f.settings.LogLevel)
	}
	if f.settings.LogFormat != "" {
		utils.ConfigureConsoleLogFormat(f.settings.LogFormat)
	}
	if f.settings.LogFile != "" {
		if err := utils.ConfigureFileLog(utils.FileLogConfig{
			Path:       f.settings.LogFile,
			MaxBackups: 7,
			MaxAgeDays: 30,
			Format:     f.settings.LogFormat,
		}); err != nil {
			return err
		}
		f.fileLog = true
	}
	return nil
}

func (f *Framework) closeLogging() {
	if !f.fileLog {
		return
	}
	if err := utils.CloseFileLog(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close log file: %v\n", err)
	}
}

