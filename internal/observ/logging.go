package observ

import (
	"sort"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

// Init installs the process-wide structured logger. Call once from main
// before any component starts; components log through Log/Warn/Error after.
func Init(debug bool) error {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.WithCaller(false))
	if err != nil {
		return err
	}
	mu.Lock()
	logger = l
	mu.Unlock()
	return nil
}

// Sync flushes buffered log entries, for use on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = logger.Sync()
}

// Log emits one event with arbitrary key/values. Keys are sorted so log
// lines stay diffable across runs.
func Log(event string, kv map[string]any) {
	mu.RLock()
	l := logger
	mu.RUnlock()
	l.Info(event, fields(kv)...)
}

// Warn is Log at warning level, for degraded-but-recoverable conditions.
func Warn(event string, kv map[string]any) {
	mu.RLock()
	l := logger
	mu.RUnlock()
	l.Warn(event, fields(kv)...)
}

// Error is Log at error level.
func Error(event string, kv map[string]any) {
	mu.RLock()
	l := logger
	mu.RUnlock()
	l.Error(event, fields(kv)...)
}

func fields(kv map[string]any) []zap.Field {
	if len(kv) == 0 {
		return nil
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, kv[k]))
	}
	return out
}
