// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// Init 设置全局日志的服务名和级别，每个进程启动时调用一次。
func Init(serviceName, level string) {
	InitWithWriter(serviceName, level, os.Stdout)
}

// InitWithWriter 与 Init 相同，但允许指定输出（测试中用于捕获日志）。
func InitWithWriter(serviceName, level string, w io.Writer) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	mu.Lock()
	defer mu.Unlock()
	base = zerolog.New(w).Level(lvl).With().Timestamp().Str("service", serviceName).Logger()
}

// L 返回不带请求上下文的全局 logger。
func L() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := base
	return &l
}

// Ctx 返回携带 trace_id / span_id 的 logger，便于在 Jaeger 与日志之间关联。
func Ctx(ctx context.Context) *zerolog.Logger {
	l := L()
	if ctx == nil {
		return l
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	withTrace := l.With().
		Str("trace_id", sc.TraceID().String()).
		Str("span_id", sc.SpanID().String()).
		Logger()
	return &withTrace
}
