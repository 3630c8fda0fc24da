// Package logger — структурированное логирование леджера на базе zerolog.
// В production пишет JSON, в development — читаемый ConsoleWriter.
// Сообщения логов пишутся на русском языке.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// log — процессный логгер. Настраивается через Init, до этого работает с env-настройками.
var log zerolog.Logger

// Config — параметры логгера.
type Config struct {
	// Level — минимальный уровень: trace, debug, info, warn, error. По умолчанию info.
	Level string

	// Pretty включает ConsoleWriter вместо JSON.
	Pretty bool

	// Output — куда писать. По умолчанию os.Stdout.
	Output io.Writer

	// Service добавляется полем "service" в каждую запись, если задан.
	Service string
}

func init() {
	Init(Config{
		Level:  os.Getenv("LOG_LEVEL"),
		Pretty: strings.EqualFold(os.Getenv("LOG_PRETTY"), "true"),
	})
}

// Init перенастраивает процессный логгер.
// Вызывается в main сразу после загрузки конфигурации.
func Init(cfg Config) {
	var out io.Writer = os.Stdout
	if cfg.Output != nil {
		out = cfg.Output
	}

	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level := parseLevel(cfg.Level)

	lctx := zerolog.New(out).Level(level).With().Timestamp().Caller()
	if cfg.Service != "" {
		lctx = lctx.Str("service", cfg.Service)
	}
	log = lctx.Logger()

	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
}

// parseLevel разбирает уровень логирования; пустое или неизвестное значение — info.
func parseLevel(level string) zerolog.Level {
	if strings.EqualFold(level, "warning") {
		return zerolog.WarnLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Debug — событие уровня debug.
func Debug() *zerolog.Event { return log.Debug() }

// Info — событие уровня info.
func Info() *zerolog.Event { return log.Info() }

// Warn — событие уровня warn.
func Warn() *zerolog.Event { return log.Warn() }

// Error — событие уровня error.
func Error() *zerolog.Event { return log.Error() }

// Fatal — событие уровня fatal. После Msg() процесс завершается с кодом 1.
func Fatal() *zerolog.Event { return log.Fatal() }

// With возвращает контекст для построения дочернего логгера с дополнительными полями.
//
//	workerLog := logger.With().Str("worker", "reconcile").Logger()
func With() zerolog.Context { return log.With() }

// Logger возвращает процессный логгер.
func Logger() zerolog.Logger { return log }

// SetGlobalLogger подменяет процессный логгер (используется в тестах).
func SetGlobalLogger(l zerolog.Logger) { log = l }
