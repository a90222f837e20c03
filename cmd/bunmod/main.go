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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/tomoncle/bunmodule"
	"github.com/tomoncle/bunmodule/database"
	"github.com/tomoncle/bunmodule/framework"
	"github.com/tomoncle/bunmodule/utils"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// CLI flags
var (
	configFile  string
	srcDir      string
	envFiles    []string
	logLevel    string
	logFormat   string
	logFile     string
	timeout     time.Duration
	metricsAddr string
	rollback    bool
	statusOnly  bool
	quiet       bool
)

var log = utils.NewLogger("BUNMOD")

func main() {
	defaults := framework.DefaultSettings()

	rootCmd := &cobra.Command{
		Use:          "bunmod",
		Short:        "Open, migrate and check the Bun connections of an application",
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "config.yaml", "Configuration file holding the bun section")
	flags.StringVarP(&srcDir, "src", "s", defaults.SrcDirectory, "Directory relative migration, seed and foreign key paths resolve against")
	flags.StringSliceVar(&envFiles, "env-file", defaults.EnvFiles, "Environment files loaded before the configuration")
	flags.StringVar(&logLevel, "log-level", defaults.LogLevel, "Log level (trace, debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", defaults.LogFormat, "Console log format (text or json)")
	flags.StringVar(&logFile, "log-file", "", "Also write logs to this rotating file")
	flags.DurationVar(&timeout, "shutdown-timeout", defaults.ShutdownTimeout, "Maximum time spent closing connections")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Open every connection and keep them open until interrupted",
		RunE:  run,
	}
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus pool metrics on this address (e.g. :9090)")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations on every connection",
		RunE:  migrate,
	}
	migrateCmd.Flags().BoolVar(&rollback, "rollback", false, "Roll back the last migration group instead")
	migrateCmd.Flags().BoolVar(&statusOnly, "status", false, "Only print the migration status")
	migrateCmd.Flags().BoolVar(&quiet, "quiet", utils.EnvDefaultBool("BUNMOD_MIGRATE_QUIET", false), "Mute slow-query and query-error logging while migrating")

	rootCmd.AddCommand(runCmd, migrateCmd, &cobra.Command{
		Use:   "health",
		Short: "Open every connection and print its health as JSON",
		RunE:  health,
	}, &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bunmod %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newApp(opts ...bunmodule.Option) (*framework.Framework, *bunmodule.Module) {
	settings := framework.Settings{
		SrcDirectory:    srcDir,
		ConfigFile:      configFile,
		EnvFiles:        envFiles,
		ShutdownTimeout: timeout,
		LogLevel:        logLevel,
		LogFormat:       logFormat,
		LogFile:         logFile,
	}
	m := bunmodule.New(opts...)
	return framework.New(settings).Use(m), m
}

func run(cmd *cobra.Command, args []string) error {
	app, _ := newApp(bunmodule.WithMetricsRegisterer(prometheus.DefaultRegisterer))

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Metrics server stopped")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			_ = server.Shutdown(ctx)
		}()
		log.WithField("addr", metricsAddr).Info("Serving metrics")
	}

	log.WithField("version", version).Info("Starting bunmod")
	return app.Run(cmd.Context())
}

func migrate(cmd *cobra.Command, args []string) error {
	var opts []bunmodule.Option
	if !rollback && !statusOnly {
		opts = append(opts, bunmodule.WithRunMigrations())
	}
	app, m := newApp(opts...)

	if quiet {
		database.SilenceHooks(true)
		defer database.SilenceHooks(false)
	}

	ctx := cmd.Context()
	if err := app.Bootstrap(ctx); err != nil {
		return err
	}
	defer func() {
		if err := app.Shutdown(context.Background()); err != nil {
			log.WithError(err).Error("Shutdown failed")
		}
	}()

	manager := m.ConnectionManager()
	for _, name := range manager.Names() {
		conn, err := manager.Get(name)
		if err != nil {
			return err
		}
		if len(conn.Options().MigrationDirectories) == 0 {
			continue
		}
		entry := log.WithField("connection", name)
		switch {
		case rollback:
			names, err := conn.RollbackMigrations(ctx)
			if err != nil {
				return fmt.Errorf("connection %q: %w", name, err)
			}
			entry.WithField("migrations", names).Info("Rolled back")
		default:
			status, err := conn.MigrationStatus(ctx)
			if err != nil {
				return fmt.Errorf("connection %q: %w", name, err)
			}
			entry.WithField("applied", status.Applied).WithField("pending", status.Pending).Info("Migration status")
		}
	}
	return nil
}

func health(cmd *cobra.Command, args []string) error {
	app, m := newApp()
	if err := app.Bootstrap(cmd.Context()); err != nil {
		return err
	}
	statuses := m.ConnectionManager().HealthCheck(cmd.Context())
	shutdownErr := app.Shutdown(context.Background())

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(statuses); err != nil {
		return err
	}

	for name, status := range statuses {
		if !status.Healthy {
			return fmt.Errorf("connection %q is unhealthy: %s", name, status.LastError)
		}
	}
	return shutdownErr
}
