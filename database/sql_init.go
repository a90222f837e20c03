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
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/uptrace/bun"
)

const commonEnvironment = "common"

var fileOrderPattern = regexp.MustCompile(`^(\d+)_`)

// SQLInitManager executes seed SQL files. Each seed directory contributes
// <dir>/common/ (or the .sql files directly under <dir> when there is no
// common/ folder) followed by <dir>/environments/<environment>/.
type SQLInitManager struct {
	db               *bun.DB
	environment      string
	directories      []string
	logger           Logger
	renderTemplate   bool
	ignoreDuplicates bool
	historyTable     string
}

// SQLFileInfo describes a SQL file to be executed during initialization.
type SQLFileInfo struct {
	// Key identifies the file in the seed history: the seed directory's
	// base name followed by the slash-separated path inside it.
	Key         string
	Path        string
	Name        string
	Order       int
	Environment string
	ModTime     time.Time
}

// ExecutionResult contains the outcome of executing a single SQL file.
type ExecutionResult struct {
	File         string
	Success      bool
	Error        error
	Duration     time.Duration
	RowsAffected int64
	Skipped      int
}

func NewSQLInitManager(db *bun.DB, environment string, directories ...string) *SQLInitManager {
	return &SQLInitManager{
		db:          db,
		environment: environment,
		directories: directories,
		logger:      GetLogger(),
	}
}

func (s *SQLInitManager) SetLogger(logger Logger) {
	if logger == nil {
		logger = NopLogger()
	}
	s.logger = logger
}

// EnableTemplate renders every file as a text/template over the process
// environment plus ENVIRONMENT and TIMESTAMP before executing it.
func (s *SQLInitManager) EnableTemplate(b bool) {
	s.renderTemplate = b
}

// IgnoreDuplicates runs statements one by one outside a transaction and
// skips those failing on a unique constraint, making seeds re-runnable.
func (s *SQLInitManager) IgnoreDuplicates(b bool) {
	s.ignoreDuplicates = b
}

// TrackHistory records every file that ran in table and skips recorded files
// on later runs. An empty name disables tracking.
func (s *SQLInitManager) TrackHistory(table string) {
	s.historyTable = table
}

// ExecuteInitialization runs all discovered SQL files in order and stops at
// the first failing file.
func (s *SQLInitManager) ExecuteInitialization(ctx context.Context) ([]ExecutionResult, error) {
	if s.db == nil {
		return nil, ErrNotConnected
	}
	s.logger.Info("Starting SQL initialization", "environment", s.environment, "directories", s.directories)

	files, err := s.GetSQLFiles()
	if err != nil {
		return nil, fmt.Errorf("failed to get SQL files: %w", err)
	}
	if s.historyTable != "" && len(files) > 0 {
		files, err = s.pendingFiles(ctx, files)
		if err != nil {
			return nil, err
		}
	}
	if len(files) == 0 {
		s.logger.Info("No SQL files found to execute")
		return nil, nil
	}

	results := make([]ExecutionResult, 0, len(files))
	for _, file := range files {
		result := s.executeFile(ctx, file)
		results = append(results, result)

		if !result.Success {
			s.logger.Error("SQL file execution failed", "file", result.File, "error", result.Error.Error())
			return results, fmt.Errorf("SQL file execution failed %s: %w", result.File, result.Error)
		}
		s.logger.Info("SQL file executed successfully",
			"file", result.File,
			"duration", result.Duration.String(),
			"rows_affected", result.RowsAffected,
			"skipped", result.Skipped,
		)
	}

	s.logger.Info("SQL initialization completed", "total_files", len(results), "environment", s.environment)
	return results, nil
}

// GetSQLFiles lists the files to execute, directory by directory.
func (s *SQLInitManager) GetSQLFiles() ([]SQLFileInfo, error) {
	var files []SQLFileInfo
	for _, dir := range s.directories {
		dirFiles, err := s.filesForDirectory(dir)
		if err != nil {
			return nil, err
		}
		files = append(files, dirFiles...)
	}
	return files, nil
}

func (s *SQLInitManager) filesForDirectory(dir string) ([]SQLFileInfo, error) {
	var common []SQLFileInfo
	var err error
	commonPath := filepath.Join(dir, commonEnvironment)
	if isDir(commonPath) {
		common, err = s.getFilesFromDir(commonPath, commonEnvironment, true)
	} else {
		common, err = s.getFilesFromDir(dir, commonEnvironment, false)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get common SQL files: %w", err)
	}
	sortSQLFiles(common)
	setFileKeys(dir, common)

	var env []SQLFileInfo
	if s.environment != "" {
		envPath := filepath.Join(dir, "environments", s.environment)
		if isDir(envPath) {
			env, err = s.getFilesFromDir(envPath, s.environment, true)
			if err != nil {
				return nil, fmt.Errorf("failed to get environment SQL files: %w", err)
			}
			sortSQLFiles(env)
			setFileKeys(dir, env)
		}
	}

	return append(common, env...), nil
}

func sortSQLFiles(files []SQLFileInfo) {
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].Order != files[j].Order {
			return files[i].Order < files[j].Order
		}
		return files[i].Name < files[j].Name
	})
}

func setFileKeys(dir string, files []SQLFileInfo) {
	base := filepath.Base(dir)
	for i := range files {
		rel, err := filepath.Rel(dir, files[i].Path)
		if err != nil {
			rel = files[i].Name
		}
		files[i].Key = filepath.ToSlash(filepath.Join(base, rel))
	}
}

func (s *SQLInitManager) ensureHistoryTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS ? (seed_file VARCHAR(255) NOT NULL PRIMARY KEY, applied_at TIMESTAMP NOT NULL)",
		bun.Ident(s.historyTable))
	if err != nil {
		return fmt.Errorf("failed to create seed history table %s: %w", s.historyTable, err)
	}
	return nil
}

// pendingFiles drops the files already recorded in the history table.
func (s *SQLInitManager) pendingFiles(ctx context.Context, files []SQLFileInfo) ([]SQLFileInfo, error) {
	if err := s.ensureHistoryTable(ctx); err != nil {
		return nil, err
	}
	var applied []string
	if err := s.db.NewSelect().Table(s.historyTable).Column("seed_file").Scan(ctx, &applied); err != nil {
		return nil, fmt.Errorf("failed to read seed history: %w", err)
	}
	done := make(map[string]struct{}, len(applied))
	for _, key := range applied {
		done[key] = struct{}{}
	}

	pending := make([]SQLFileInfo, 0, len(files))
	for _, f := range files {
		if _, ok := done[f.Key]; ok {
			s.logger.Debug("Seed file already applied", "file", f.Key)
			continue
		}
		pending = append(pending, f)
	}
	return pending, nil
}

func (s *SQLInitManager) recordFile(ctx context.Context, db bun.IDB, file SQLFileInfo) error {
	if s.historyTable == "" {
		return nil
	}
	_, err := db.ExecContext(ctx, "INSERT INTO ? (seed_file, applied_at) VALUES (?, ?)",
		bun.Ident(s.historyTable), file.Key, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record seed file %s: %w", file.Key, err)
	}
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (s *SQLInitManager) getFilesFromDir(dir, environment string, recursive bool) ([]SQLFileInfo, error) {
	var files []SQLFileInfo

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !recursive && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(d.Name()), ".sql") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, SQLFileInfo{
			Path:        path,
			Name:        d.Name(),
			Order:       parseFileOrder(d.Name()),
			Environment: environment,
			ModTime:     info.ModTime(),
		})
		return nil
	})

	return files, err
}

// parseFileOrder reads the numeric prefix of "010_users.sql"; files without
// one sort last.
func parseFileOrder(filename string) int {
	matches := fileOrderPattern.FindStringSubmatch(filename)
	if len(matches) > 1 {
		if order, err := strconv.Atoi(matches[1]); err == nil {
			return order
		}
	}
	return 999
}

func (s *SQLInitManager) executeFile(ctx context.Context, file SQLFileInfo) ExecutionResult {
	start := time.Now()
	result := ExecutionResult{File: file.Path}

	content, err := os.ReadFile(file.Path)
	if err != nil {
		result.Error = fmt.Errorf("failed to read file: %w", err)
		result.Duration = time.Since(start)
		return result
	}

	text := string(content)
	if s.renderTemplate {
		text, err = s.replaceEnvVariables(text)
		if err != nil {
			result.Error = err
			result.Duration = time.Since(start)
			return result
		}
	}

	statements, err := splitSQLStatements(text)
	if err != nil {
		result.Error = err
		result.Duration = time.Since(start)
		return result
	}

	if s.ignoreDuplicates {
		err = s.execEach(ctx, s.db, statements, &result)
		if err == nil {
			err = s.recordFile(ctx, s.db, file)
		}
	} else {
		err = s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
			if err := s.execEach(ctx, tx, statements, &result); err != nil {
				return err
			}
			return s.recordFile(ctx, tx, file)
		})
	}

	if err != nil {
		result.Error = err
		result.RowsAffected = 0
	} else {
		result.Success = true
	}
	result.Duration = time.Since(start)
	return result
}

func (s *SQLInitManager) execEach(ctx context.Context, db bun.IDB, statements []string, result *ExecutionResult) error {
	for _, stmt := range statements {
		res, err := db.ExecContext(ctx, stmt)
		if err != nil {
			if _, kind := IsSqlError(err); s.ignoreDuplicates && kind == DuplicateKeyErr {
				result.Skipped++
				continue
			}
			return fmt.Errorf("failed to execute SQL statement: %s, error: %w", stmt, err)
		}
		rows, _ := res.RowsAffected()
		result.RowsAffected += rows
	}
	return nil
}

func (s *SQLInitManager) replaceEnvVariables(content string) (string, error) {
	tmpl, err := template.New("sql").Option("missingkey=zero").Parse(content)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	envVars := make(map[string]string)
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envVars[parts[0]] = parts[1]
		}
	}
	envVars["ENVIRONMENT"] = s.environment
	envVars["TIMESTAMP"] = time.Now().Format("2006-01-02 15:04:05")

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envVars); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.String(), nil
}

// splitSQLStatements splits on lines ending with ';' and drops "--" comment
// lines. Lines are limited to 4 MiB.
func splitSQLStatements(content string) ([]string, error) {
	var statements []string
	var current strings.Builder

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}

		current.WriteString(line)
		current.WriteString(" ")

		if strings.HasSuffix(line, ";") {
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to split SQL statements: %w", err)
	}

	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements, nil
}

// Seed runs the seed files of the connection that are not recorded in the
// seeds table yet.
func (c *Connection) Seed(ctx context.Context) ([]ExecutionResult, error) {
	manager := NewSQLInitManager(c.DB(), c.options.SeedEnvironment, c.options.SeedDirectories...)
	manager.SetLogger(c.logger)
	manager.EnableTemplate(c.options.SeedTemplate)
	manager.IgnoreDuplicates(c.options.SeedIgnoreDuplicates)
	manager.TrackHistory(c.options.SeedsTable)
	return manager.ExecuteInitialization(ctx)
}
