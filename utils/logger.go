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

package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger = logrus.Logger

const defaultTimestampFormat = "2006-01-02 15:04:05.000"

var (
	loggerRegistryMu sync.RWMutex
	loggerRegistry   = map[string]*logrus.Logger{}
	baseLevel        = ParseLogLevel(EnvDefaultString("LOG_LEVEL", "info"))

	outputMu         sync.RWMutex
	consoleOutput    io.Writer = os.Stdout
	consoleLogFormat           = normalizeFormat(EnvDefaultString("CONSOLE_LOG_FORMAT", "text"))
	fileOutput       *lumberjack.Logger
	fileLogFormat    = normalizeFormat(EnvDefaultString("FILE_LOG_FORMAT", "text"))
)

// FileLogConfig configures the rotating log file shared by all named loggers.
type FileLogConfig struct {
	Path       string `yaml:"path" json:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool   `yaml:"compress" json:"compress"`
	Format     string `yaml:"format" json:"format"`
}

// ConfigureFileLog enables the rotating file output for every named logger,
// including loggers created before this call.
func ConfigureFileLog(cfg FileLogConfig) error {
	if cfg.Path == "" {
		return fmt.Errorf("log file path cannot be empty")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 50
	}

	writer := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	outputMu.Lock()
	previous := fileOutput
	fileOutput = writer
	if cfg.Format != "" {
		fileLogFormat = normalizeFormat(cfg.Format)
	}
	outputMu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
	return nil
}

// CloseFileLog flushes and detaches the rotating log file, if any.
func CloseFileLog() error {
	outputMu.Lock()
	w := fileOutput
	fileOutput = nil
	outputMu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}

// ConfigureConsoleLogFormat switches console output between "text" and "json".
func ConfigureConsoleLogFormat(format string) {
	outputMu.Lock()
	defer outputMu.Unlock()
	consoleLogFormat = normalizeFormat(format)
}

// SetConsoleOutput redirects console output; nil silences the console.
func SetConsoleOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	consoleOutput = w
}

func normalizeFormat(format string) string {
	if strings.ToLower(strings.TrimSpace(format)) == "json" {
		return "json"
	}
	return "text"
}

type writerHook struct {
	name    string
	console bool
}

func (h *writerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *writerHook) Fire(e *logrus.Entry) error {
	outputMu.RLock()
	var w io.Writer
	format := fileLogFormat
	if h.console {
		w = consoleOutput
		format = consoleLogFormat
	} else if fileOutput != nil {
		w = fileOutput
	}
	outputMu.RUnlock()
	if w == nil {
		return nil
	}

	b, err := newFormatter(h.name, format, h.console).Format(e)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func newFormatter(name, format string, color bool) logrus.Formatter {
	if format == "json" {
		return &JSONLogFormatter{LoggerName: name, TimestampFormat: defaultTimestampFormat}
	}
	return &Log4jFormatter{LoggerName: name, TimestampFormat: defaultTimestampFormat, Color: color, NameWidth: 10}
}

// NewLogger returns the named logger, creating and registering it on first use.
func NewLogger(name string) *logrus.Logger {
	loggerRegistryMu.Lock()
	defer loggerRegistryMu.Unlock()
	if l, ok := loggerRegistry[name]; ok {
		return l
	}

	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(baseLevel)
	l.AddHook(&writerHook{name: name, console: true})
	l.AddHook(&writerHook{name: name})
	loggerRegistry[name] = l
	return l
}

func ParseLogLevel(s string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info", "":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// SetLoggerLevel changes the level of one registered logger.
func SetLoggerLevel(name string, lvlStr string) bool {
	lvl := ParseLogLevel(lvlStr)
	loggerRegistryMu.RLock()
	lg, ok := loggerRegistry[name]
	loggerRegistryMu.RUnlock()
	if !ok {
		return false
	}
	lg.SetLevel(lvl)
	return true
}

// ConfigureLogLevel sets the level of every registered logger and of
// loggers created afterwards.
func ConfigureLogLevel(levelStr string) {
	lvl := ParseLogLevel(levelStr)
	loggerRegistryMu.Lock()
	defer loggerRegistryMu.Unlock()
	baseLevel = lvl
	for _, lg := range loggerRegistry {
		lg.SetLevel(lvl)
	}
	logrus.SetLevel(lvl)
}

const (
	ansiReset   = "\x1b[0m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
	ansiFaint   = "\x1b[2m"
)

// Log4jFormatter renders entries as
// "2025-01-02 15:04:05.000   INFO 4242 --- [  DATABASE] message key=value".
type Log4jFormatter struct {
	LoggerName      string
	TimestampFormat string
	Color           bool
	NameWidth       int
}

func (f *Log4jFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	ts := entry.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	lvl := fmt.Sprintf("%7s", strings.ToUpper(entry.Level.String()))
	name := fmt.Sprintf("%*s", f.NameWidth, limitRunes(f.LoggerName, f.NameWidth))
	pid := fmt.Sprintf("%-6d", os.Getpid())
	if f.Color {
		lvl = colorLevel(lvl, entry.Level)
		name = ansiCyan + name + ansiReset
		pid = ansiMagenta + pid + ansiReset
	}

	var b strings.Builder
	b.WriteString(ts.Format(f.TimestampFormat))
	b.WriteString(" ")
	b.WriteString(lvl)
	b.WriteString(" ")
	b.WriteString(pid)
	b.WriteString(" --- [")
	b.WriteString(name)
	b.WriteString("] ")
	b.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		field := fmt.Sprintf("%s=%v", k, entry.Data[k])
		if f.Color {
			field = ansiFaint + field + ansiReset
		}
		b.WriteString(" ")
		b.WriteString(field)
	}
	b.WriteString("\n")
	return []byte(b.String()), nil
}

// JSONLogFormatter is logrus' JSON formatter with the logger name attached.
type JSONLogFormatter struct {
	LoggerName      string
	TimestampFormat string
}

func (f *JSONLogFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	cp := *entry
	cp.Data = make(logrus.Fields, len(entry.Data)+1)
	for k, v := range entry.Data {
		cp.Data[k] = v
	}
	cp.Data["logger"] = f.LoggerName
	inner := &logrus.JSONFormatter{TimestampFormat: f.TimestampFormat}
	return inner.Format(&cp)
}

func colorLevel(s string, level logrus.Level) string {
	switch level {
	case logrus.TraceLevel, logrus.DebugLevel:
		return ansiFaint + s + ansiReset
	case logrus.InfoLevel:
		return ansiGreen + s + ansiReset
	case logrus.WarnLevel:
		return ansiYellow + s + ansiReset
	default:
		return ansiRed + s + ansiReset
	}
}

func limitRunes(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

func EnvDefaultString(key string, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func EnvDefaultBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}
