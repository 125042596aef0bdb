package logger

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"

	defaultLogFormat LogFormat    = LogFormatText
	defaultLogLevel  logrus.Level = logrus.InfoLevel
)

// DefaultLogger is the base logrus logger. It is different from the logrus
// default to avoid external dependencies from writing out unexpectedly
var DefaultLogger = InitializeDefaultLogger()

// InitializeDefaultLogger returns a logrus Logger with a custom text formatter.
func InitializeDefaultLogger() (logger *logrus.Logger) {
	logger = logrus.New()
	logger.SetOutput(os.Stderr)
	f, _ := getFormatter(defaultLogFormat)
	logger.SetFormatter(f)
	logger.SetLevel(defaultLogLevel)
	return
}

func getFormatter(format LogFormat) (logrus.Formatter, error) {
	switch format {
	case LogFormatText:
		return &logrus.TextFormatter{
			DisableColors: true,
			FullTimestamp: true,
		}, nil
	case LogFormatJSON:
		return &logrus.JSONFormatter{}, nil
	default:
		return &logrus.TextFormatter{}, fmt.Errorf("invalid log format '%s'", string(format))
	}
}

// SetupLogging applies level and format to DefaultLogger.
func SetupLogging(level string, format string) error {
	if format == "" {
		format = string(defaultLogFormat)
	}
	f, err := getFormatter(LogFormat(format))
	if err != nil {
		return err
	}
	DefaultLogger.SetFormatter(f)

	if level == "" {
		DefaultLogger.SetLevel(defaultLogLevel)
		return nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level '%s': %w", level, err)
	}
	DefaultLogger.SetLevel(lvl)
	return nil
}

func GetLogger() logrus.FieldLogger {
	return DefaultLogger
}
