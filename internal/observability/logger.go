package observability

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Fields map[string]any

type Config struct {
	Level           string
	MaxPayloadBytes int
}

var (
	mu                 sync.RWMutex
	logger             *zap.Logger
	maxPayloadLogBytes = 2048

	reBearer      = regexp.MustCompile(`(?i)(authorization:\s*bearer\s+)[^\s"]+`)
	reBasic       = regexp.MustCompile(`(?i)(authorization:\s*basic\s+)[^\s"]+`)
	reAnthropic   = regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{16,}`)
	reSecretKey   = regexp.MustCompile(`sk-[A-Za-z0-9_\-]{16,}`)
	reGitHubPAT   = regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`)
	reGitHubToken = regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`)
	reAccessToken = regexp.MustCompile(`x-access-token:[^@/\s]+@`)
)

// Init replaces the process logger. Safe to call more than once; the
// previous logger is flushed.
func Init(cfg Config) error {
	zcfg := zap.NewProductionConfig()
	zcfg.Encoding = "json"
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	zcfg.DisableStacktrace = true
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	l, err := zcfg.Build()
	if err != nil {
		return err
	}
	mu.Lock()
	prev := logger
	logger = l
	if cfg.MaxPayloadBytes >= 256 && cfg.MaxPayloadBytes <= 65536 {
		maxPayloadLogBytes = cfg.MaxPayloadBytes
	}
	mu.Unlock()
	if prev != nil {
		_ = prev.Sync()
	}
	return nil
}

// SetLogger installs an already built logger, mostly for tests.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

func current() *zap.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		l, err := zap.NewProduction()
		if err != nil {
			l = zap.NewNop()
		}
		logger = l
	}
	return logger
}

// Sugar exposes the underlying logger for libraries that want a printf or
// key-value style API.
func Sugar() *zap.SugaredLogger {
	return current().Sugar()
}

func Sync() {
	_ = current().Sync()
}

func Debug(msg string, fields Fields) {
	current().Debug(msg, toZap(fields)...)
}

func Info(msg string, fields Fields) {
	current().Info(msg, toZap(fields)...)
}

func Warn(msg string, fields Fields) {
	current().Warn(msg, toZap(fields)...)
}

func Error(msg string, fields Fields) {
	current().Error(msg, toZap(fields)...)
}

func MaxPayloadBytes() int {
	mu.RLock()
	defer mu.RUnlock()
	return maxPayloadLogBytes
}

func HashText(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:8])
}

func Redact(v string) string {
	out := strings.TrimSpace(v)
	if out == "" {
		return out
	}
	out = reBearer.ReplaceAllString(out, `$1[REDACTED]`)
	out = reBasic.ReplaceAllString(out, `$1[REDACTED]`)
	out = reAnthropic.ReplaceAllString(out, "sk-ant-[REDACTED]")
	out = reSecretKey.ReplaceAllString(out, "sk-[REDACTED]")
	out = reGitHubPAT.ReplaceAllString(out, "github_pat_[REDACTED]")
	out = reGitHubToken.ReplaceAllString(out, "gh_[REDACTED]")
	out = reAccessToken.ReplaceAllString(out, "x-access-token:[REDACTED]@")
	return out
}

func Snippet(v string, max int) string {
	v = Redact(v)
	if max <= 0 {
		max = MaxPayloadBytes()
	}
	if len(v) <= max {
		return v
	}
	return strings.ToValidUTF8(v[:max], "") + "...(truncated)"
}

func toZap(fields Fields) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		switch t := v.(type) {
		case string:
			out = append(out, zap.String(k, Snippet(t, 0)))
		case []byte:
			out = append(out, zap.String(k, Snippet(string(t), 0)))
		case error:
			out = append(out, zap.String(k, Snippet(t.Error(), 0)))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}
