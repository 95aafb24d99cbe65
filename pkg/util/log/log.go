package log

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var (
	// Logger is a shared go-kit logger.
	Logger = log.NewNopLogger()
)

// Level is a settable identifier for the minimum level a log entry must have.
type Level struct {
	s      string
	Option level.Option
}

// RegisterFlags adds the log level flag to the provided flagset.
func (l *Level) RegisterFlags(f *flag.FlagSet) {
	_ = l.Set("info")
	f.Var(l, "log.level", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error]")
}

func (l *Level) String() string {
	return l.s
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *Level) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var lvl string
	if err := unmarshal(&lvl); err != nil {
		return err
	}
	return l.Set(lvl)
}

// MarshalYAML implements yaml.Marshaler.
func (l Level) MarshalYAML() (interface{}, error) {
	return l.String(), nil
}

// Set updates the value of the allowed level.
func (l *Level) Set(s string) error {
	switch s {
	case "debug":
		l.Option = level.AllowDebug()
	case "info":
		l.Option = level.AllowInfo()
	case "warn":
		l.Option = level.AllowWarn()
	case "error":
		l.Option = level.AllowError()
	default:
		return fmt.Errorf("unrecognized log level %q", s)
	}
	l.s = s
	return nil
}

// Format is a settable identifier for the output format of logs.
type Format struct {
	s string
}

// RegisterFlags adds the log format flag to the provided flagset.
func (f *Format) RegisterFlags(fs *flag.FlagSet) {
	_ = f.Set("logfmt")
	fs.Var(f, "log.format", "Output log messages in the given format. Valid formats: [logfmt, json]")
}

func (f *Format) String() string {
	return f.s
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *Format) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var format string
	if err := unmarshal(&format); err != nil {
		return err
	}
	return f.Set(format)
}

// MarshalYAML implements yaml.Marshaler.
func (f Format) MarshalYAML() (interface{}, error) {
	return f.String(), nil
}

// Set updates the value of the output format.
func (f *Format) Set(s string) error {
	switch s {
	case "logfmt", "json":
		f.s = s
	default:
		return fmt.Errorf("unrecognized log format %q", s)
	}
	return nil
}

// Config holds the logging configuration.
type Config struct {
	Level  Level  `yaml:"level"`
	Format Format `yaml:"format"`
}

// RegisterFlags registers the log level and format flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.Level.RegisterFlags(f)
	cfg.Format.RegisterFlags(f)
}

// InitLogger initialises the global logger according to the provided config.
func InitLogger(cfg *Config) {
	Logger = NewLogger(cfg, os.Stderr)
}

// NewLogger builds a leveled logger writing to w.
func NewLogger(cfg *Config, w io.Writer) log.Logger {
	var l log.Logger
	if cfg.Format.String() == "json" {
		l = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		l = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}

	if cfg.Level.Option != nil {
		l = level.NewFilter(l, cfg.Level.Option)
	}
	return log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

// WithJobID returns a Logger that has information about the compilation job
// in its details.
func WithJobID(jobID string, l log.Logger) log.Logger {
	return log.With(l, "job_id", jobID)
}

// CheckFatal prints an error and exits with error code 1 if err is non-nil.
func CheckFatal(location string, err error) {
	if err != nil {
		logger := level.Error(Logger)
		if location != "" {
			logger = log.With(logger, "msg", "error "+location)
		}
		// %+v gets the stack trace from errors using github.com/pkg/errors
		_ = logger.Log("err", fmt.Sprintf("%+v", err))
		os.Exit(1)
	}
}
