// Package logging builds the process logger from the logging configuration.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"eugene-chernyshenko/proxy-traffic/internal/config"
)

type files []*os.File

func (fs files) Close() error {
	var errs []error
	for _, f := range fs {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New returns a logger writing JSON lines to the combined file, error and above also to
// the error file, and human readable lines to console when cfg.Console is set.
// Empty file names disable that destination. The closer releases the files.
func New(cfg config.Logging, console io.Writer) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
		level = l
	}

	var (
		writers []io.Writer
		opened  files
	)
	if cfg.CombinedFile != "" {
		f, err := openFile(cfg.CombinedFile)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		opened = append(opened, f)
		writers = append(writers, f)
	}
	if cfg.ErrorFile != "" {
		f, err := openFile(cfg.ErrorFile)
		if err != nil {
			opened.Close()
			return zerolog.Nop(), nil, err
		}
		opened = append(opened, f)
		writers = append(writers, &zerolog.FilteredLevelWriter{
			Writer: zerolog.LevelWriterAdapter{Writer: f},
			Level:  zerolog.ErrorLevel,
		})
	}
	if cfg.Console && console != nil {
		writers = append(writers, zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339})
	}

	var out io.Writer = io.Discard
	if len(writers) > 0 {
		out = zerolog.MultiLevelWriter(writers...)
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return logger, opened, nil
}

func openFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}
