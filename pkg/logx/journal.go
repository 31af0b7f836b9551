package logx

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// journalWriter forwards zerolog JSON lines to systemd-journald.
// Lines below minLevel and lines over the rate budget are dropped; it never blocks logging.
type journalWriter struct {
	mu         sync.Mutex
	identifier string
	minLevel   zerolog.Level
	limiter    *rate.Limiter

	send      func(msg string, pri journal.Priority, vars map[string]string) error
	isEnabled func() bool
}

func newJournalWriter(cfg JournalConfig) *journalWriter {
	w := &journalWriter{send: journal.Send, isEnabled: journal.Enabled}
	w.apply(cfg)
	return w
}

func (w *journalWriter) apply(cfg JournalConfig) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	id := strings.TrimSpace(cfg.Identifier)
	if id == "" {
		id = "naspanel"
	}
	w.mu.Lock()
	w.identifier = id
	w.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	w.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	w.mu.Unlock()
}

func (w *journalWriter) available() bool {
	return w.isEnabled != nil && w.isEnabled()
}

func (w *journalWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *journalWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	w.mu.Lock()
	min := w.minLevel
	lim := w.limiter
	id := w.identifier
	w.mu.Unlock()

	if level < min || lim == nil || !lim.Allow() {
		return len(p), nil
	}

	msg, vars := journalFields(p)
	vars["SYSLOG_IDENTIFIER"] = id
	// journald failures must not surface as log write errors.
	_ = w.send(msg, journalPriority(level), vars)
	return len(p), nil
}

// journalFields decodes a zerolog JSON line into MESSAGE + upper-cased journal fields.
func journalFields(p []byte) (string, map[string]string) {
	vars := map[string]string{}
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 4096), vars
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	for k, v := range m {
		switch k {
		case zerolog.MessageFieldName, zerolog.TimestampFieldName, zerolog.LevelFieldName:
			continue
		}
		key := journalKey(k)
		if key == "" {
			continue
		}
		vars[key] = truncate(fmt.Sprint(v), 2048)
	}
	return msg, vars
}

// journalKey maps a field name onto journald's [A-Z0-9_] alphabet.
func journalKey(k string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(k) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), "_")
	if out == "" || (out[0] >= '0' && out[0] <= '9') {
		return ""
	}
	return out
}

func journalPriority(level zerolog.Level) journal.Priority {
	switch {
	case level >= zerolog.FatalLevel:
		return journal.PriCrit
	case level >= zerolog.ErrorLevel:
		return journal.PriErr
	case level >= zerolog.WarnLevel:
		return journal.PriWarning
	case level >= zerolog.InfoLevel:
		return journal.PriInfo
	default:
		return journal.PriDebug
	}
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
