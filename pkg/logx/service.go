package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const (
	consoleTimeFormat = "15:04:05.000"
	defaultLogFile    = "taskwarden.log"
)

func init() {
	zerolog.ErrorFieldName = "err"
}

// Service owns the log sinks. Loggers derived from it pick up Apply
// changes immediately.
type Service struct {
	mu   sync.RWMutex
	zl   zerolog.Logger
	file *os.File

	// stderr is where the console sink writes; tests replace it.
	stderr io.Writer
}

// New builds the service and its root logger. A file sink that cannot be
// opened is reported on stderr and skipped.
func New(cfg Config) (*Service, Logger) {
	s := &Service{stderr: os.Stderr}
	if err := s.Apply(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "logx: %v\n", err)
	}
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.zl
}

// Apply rebuilds the sinks from cfg. Console output is kept when no sink
// would otherwise remain.
func (s *Service) Apply(cfg Config) error {
	var (
		sinks   []io.Writer
		file    *os.File
		openErr error
	)
	if cfg.Console {
		sinks = append(sinks, consoleWriter(s.stderr))
	}
	if cfg.File.Enabled {
		file, openErr = openLogFile(cfg.File.Path)
		if file != nil {
			sinks = append(sinks, zerolog.SyncWriter(file))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(s.stderr))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()

	s.mu.Lock()
	old := s.file
	s.zl, s.file = zl, file
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return openErr
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.zl = s.zl.Output(consoleWriter(s.stderr))
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("log file %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("log file %s: %w", path, err)
	}
	return f, nil
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   consoleTimeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

// ParseLevel maps trace, debug, info, warn(ing) and error, case-insensitive,
// returning def for anything else.
func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return def
}
