package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Journal JournalConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// JournalConfig controls the systemd-journald sink.
type JournalConfig struct {
	Enabled    bool
	Identifier string // SYSLOG_IDENTIFIER, default "naspanel"
	MinLevel   string // default "warn"
	RatePerSec int    // default 20
}

const (
	timeFormat     = "2006-01-02T15:04:05.000Z07:00"
	defaultLogPath = "./naspanel.log"
)

// Service owns the log sinks. Loggers it hands out read the current
// zerolog instance on every record, so Apply takes effect immediately.
type Service struct {
	mu      sync.Mutex
	file    *os.File
	journal *journalWriter

	active atomic.Pointer[zerolog.Logger]
}

// New builds the sinks described by cfg and returns the service with a
// logger bound to it.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.active.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply rebuilds the sinks for cfg. The log file is reopened; the journal
// writer is kept and reconfigured so its rate limiter survives.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleSink(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogPath
		}
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if cfg.Journal.Enabled {
		if s.journal == nil {
			s.journal = newJournalWriter(cfg.Journal)
		} else {
			s.journal.apply(cfg.Journal)
		}
		if s.journal.available() {
			sinks = append(sinks, s.journal)
		} else {
			fmt.Fprintln(os.Stderr, "logx: journald socket not available, journal sink skipped")
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleSink(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.active.Store(&zl)
}

// Close releases the log file. Loggers keep working against the
// remaining sinks.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func consoleSink(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}
