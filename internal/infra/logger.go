package infra

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/eliteGoblin/focusd/buddy/internal/config"
	"github.com/eliteGoblin/focusd/buddy/internal/domain"
)

// NewLogger builds the process logger. With a file configured, output goes to
// a rotating log file; otherwise to stderr. Stdout is left to the UI.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if cfg.Format == "text" || cfg.Format == "console" {
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	var ws zapcore.WriteSyncer
	if cfg.File == "" {
		ws = zapcore.Lock(os.Stderr)
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0700); err != nil {
			return nil, err
		}
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		})
	}

	core := zapcore.NewCore(enc, ws, level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// ZapLogSink implements domain.LogSink by writing child diagnostics to a
// named logger.
type ZapLogSink struct {
	logger *zap.Logger
}

// NewZapLogSink creates a sink logging under "child".
func NewZapLogSink(logger *zap.Logger) *ZapLogSink {
	return &ZapLogSink{logger: logger.Named("child")}
}

// Log records one line of child output.
func (s *ZapLogSink) Log(source domain.Role, record string) {
	s.logger.Info(record, zap.String("role", string(source)))
}

// Ensure ZapLogSink implements domain.LogSink.
var _ domain.LogSink = (*ZapLogSink)(nil)
