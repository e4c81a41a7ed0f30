// Package logx is the process-wide structured logger. Entries are JSON lines;
// the API token and anything that looks like a credential never reach the sink.
package logx

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Level is a logrus level; only the four below are used.
type Level = logrus.Level

const (
	LevelDebug = logrus.DebugLevel
	LevelInfo  = logrus.InfoLevel
	LevelWarn  = logrus.WarnLevel
	LevelError = logrus.ErrorLevel
)

// ParseLevel accepts the usual names plus "warning"; anything else is warn.
func ParseLevel(s string) Level {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(s))
	if err != nil {
		return LevelWarn
	}
	switch {
	case lvl < LevelError:
		return LevelError
	case lvl > LevelDebug:
		return LevelDebug
	}
	return lvl
}

// Fields is the structured payload attached to an entry.
type Fields = logrus.Fields

// maxField caps message and string field size unless verbose is on.
const maxField = 2048

var (
	mu      sync.RWMutex
	tokens  []string
	verbose bool

	std = func() *logrus.Logger {
		l := logrus.New()
		l.SetOutput(io.Discard)
		l.SetLevel(LevelWarn)
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap:        logrus.FieldMap{logrus.FieldKeyTime: "ts"},
			DataKey:         "fields",
		})
		l.AddHook(scrubHook{})
		return l
	}()
)

// credentialPattern catches bearer headers and token query parameters that
// were not registered explicitly.
var credentialPattern = regexp.MustCompile(`(?i)(bearer\s+|[?&](?:access_)?token=)[^\s&"']+`)

func SetOutput(w io.Writer) { std.SetOutput(w) }

func SetMinLevel(l Level) { std.SetLevel(l) }

// SetVerbose disables truncation of long messages and fields.
func SetVerbose(v bool) {
	mu.Lock()
	verbose = v
	mu.Unlock()
}

func Verbose() bool {
	mu.RLock()
	defer mu.RUnlock()
	return verbose
}

// RegisterSecret adds a literal to scrub from every entry. Blank values are
// ignored so an unset token does not blank out the log.
func RegisterSecret(s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	for _, t := range tokens {
		if t == s {
			return
		}
	}
	tokens = append(tokens, s)
}

// With returns an entry carrying structured fields.
func With(fields Fields) *logrus.Entry { return std.WithFields(fields) }

// ForExecution tags entries with the backend execution they concern.
func ForExecution(id string) *logrus.Entry { return std.WithField("execution_id", id) }

func Debugf(format string, args ...any) { std.Debugf(format, args...) }
func Infof(format string, args ...any)  { std.Infof(format, args...) }
func Warnf(format string, args ...any)  { std.Warnf(format, args...) }
func Errorf(format string, args ...any) { std.Errorf(format, args...) }

// RedisLogger routes go-redis internal messages through the logger at debug
// level. It satisfies the interface expected by redis.SetLogger.
type RedisLogger struct{}

func (RedisLogger) Printf(_ context.Context, format string, v ...any) {
	std.WithField("component", "redis").Debug(fmt.Sprintf(format, v...))
}

type scrubHook struct{}

func (scrubHook) Levels() []logrus.Level { return logrus.AllLevels }

func (scrubHook) Fire(e *logrus.Entry) error {
	limit := maxField
	if Verbose() {
		limit = 0
	}
	e.Message = clip(Scrub(e.Message), limit)
	for k, val := range e.Data {
		switch v := val.(type) {
		case string:
			e.Data[k] = clip(Scrub(v), limit)
		case error:
			e.Data[k] = clip(Scrub(v.Error()), limit)
		}
	}
	return nil
}

// Scrub removes registered secrets and credential-looking substrings.
func Scrub(s string) string {
	mu.RLock()
	for _, t := range tokens {
		s = strings.ReplaceAll(s, t, "[REDACTED]")
	}
	mu.RUnlock()
	return credentialPattern.ReplaceAllString(s, "${1}[REDACTED]")
}

// clip shortens s to limit bytes, keeping its last few bytes for context.
func clip(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	const marker, keep = "… [truncated] …", 16
	if limit <= len(marker)+keep {
		return s[:limit]
	}
	return s[:limit-len(marker)-keep] + marker + s[len(s)-keep:]
}
