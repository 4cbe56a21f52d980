package logs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"sentinel_trader/config"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileHook is a Logrus hook for writing logs to a rotated file.
type FileHook struct {
	formatter logrus.Formatter
	writer    io.Writer
}

func newFileHook(writer io.Writer, formatter logrus.Formatter) *FileHook {
	return &FileHook{
		writer:    writer,
		formatter: formatter,
	}
}

// Levels returns all log levels, so the hook is fired for all log entries.
func (h *FileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire formats and writes the log entry to the file.
func (h *FileHook) Fire(entry *logrus.Entry) error {
	formattedBytes, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(formattedBytes)
	return err
}

// Logger is the process logger handle. It is created once at startup, passed to
// every component and closed at shutdown.
type Logger struct {
	*logrus.Logger
	fileHook *FileHook
}

// New builds a logger writing colored text to stdout and plain text to a
// lumberjack-rotated file at logFilePath.
func New(cfg config.LogConfig, logFilePath string) (*Logger, error) {
	log := logrus.New()
	parsedLevel, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		parsedLevel = logrus.InfoLevel
	}
	log.SetLevel(parsedLevel)
	log.SetFormatter(&logrus.TextFormatter{
		ForceColors:            true,
		FullTimestamp:          true,
		TimestampFormat:        "2006-01-02 15:04:05",
		DisableLevelTruncation: true,
		PadLevelText:           true,
	})
	log.SetOutput(os.Stdout)

	// Silence the global logrus instance so stray logrus.Info calls from
	// libraries do not bypass our outputs.
	logrus.SetOutput(io.Discard)
	logrus.StandardLogger().Hooks = make(logrus.LevelHooks)

	logDir := filepath.Dir(logFilePath)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	rotated := &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	hook := newFileHook(rotated, &logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.AddHook(hook)

	l := &Logger{Logger: log, fileHook: hook}
	l.Infof("Logging system initialized, writing to %s", logFilePath)
	return l, nil
}

// Close closes the rotated log file.
func (l *Logger) Close() {
	l.Info("Logging system closed.")
	if l.fileHook == nil {
		return
	}
	if closer, ok := l.fileHook.writer.(io.Closer); ok {
		_ = closer.Close()
	}
}

// Discard returns a logger that drops everything, for commands and tests that
// have no log file.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
