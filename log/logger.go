package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Config decides how the process wide logger writes.
type Config struct {
	Level  string // trace, debug, info, warn, error
	Format string // json or console
	Caller bool
	// File, when set, receives a copy of every line. The directory is created
	// if missing and the file is appended to.
	File   string
	Output io.Writer
}

// DefaultConfig logs info and above as JSON to stderr.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
		Output: os.Stderr,
	}
}

var (
	logger  zerolog.Logger
	logFile *os.File
	mu      sync.RWMutex
	logInit sync.Once
)

// Init (re)configures the global logger. It is safe to call more than once.
func Init(cfg Config) (err error) {
	logInit.Do(func() {}) // explicit configuration wins over the lazy default
	mu.Lock()
	defer mu.Unlock()
	return initLogger(cfg)
}

// initLogger must be called with mu held.
func initLogger(cfg Config) (err error) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	out := cfg.Output
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: "15:04:05"}
	}

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
	if cfg.File != "" {
		logDir := filepath.Dir(cfg.File)
		if _, err = os.Stat(logDir); os.IsNotExist(err) {
			if err = os.MkdirAll(logDir, 0755); err != nil {
				return fmt.Errorf("error creating log directory %s: %s", logDir, err)
			}
		}
		logFile, err = os.OpenFile(cfg.File, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("opening log file failed: %s", err)
		}
		out = zerolog.MultiLevelWriter(out, logFile)
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339Nano

	l := zerolog.New(out).With().Timestamp().Str("service", "codenearby")
	if cfg.Caller {
		l = l.Caller()
	}
	logger = l.Logger()
	return nil
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Logger gives the logger instance to enable logging events
func Logger() *zerolog.Logger {
	logInit.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		if err := initLogger(DefaultConfig()); err != nil {
			panic(fmt.Sprintf("error while initializing internal logger: %s", err))
		}
	})
	mu.RLock()
	defer mu.RUnlock()
	l := logger
	return &l
}

// WriteLogAndReturnError wraps cause with the formatted message, logs it at
// error level and returns it
func WriteLogAndReturnError(cause error, format string, params ...interface{}) error {
	err := errors.Wrapf(cause, format, params...)
	Logger().Error().Msg(err.Error())
	return err
}

// Close releases the log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}
