// Package cachelog configures process-wide structured logging, mirroring
// the teacher's fs.Debugf/fs.Infof/fs.Errorf convention (see
// backend/sftp/sftp.go) on top of logrus, the teacher's own logging
// dependency.
//
// Two file sinks are maintained per spec §6: error.log (Warn level and
// above, across the whole process, wired as a logrus.Hook) and
// metrics.log (a dedicated stream of cache hit/miss outcomes). In --debug
// mode everything is additionally echoed to stderr at Debug level.
package cachelog

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	mu          sync.Mutex
	logger      = logrus.New()
	metrics     = logrus.New()
	errorFile   *os.File
	metricsFile *os.File
)

// fileHook forwards log entries at or above a minimum level to w, formatted
// independently of the logger's own output (so error.log stays text even
// if the primary output format changes).
type fileHook struct {
	w         io.Writer
	minLevel  logrus.Level
	formatter logrus.Formatter
}

func (h *fileHook) Levels() []logrus.Level {
	return logrus.AllLevels[:h.minLevel+1]
}

func (h *fileHook) Fire(e *logrus.Entry) error {
	line, err := h.formatter.Format(e)
	if err != nil {
		return err
	}
	_, err = h.w.Write(line)
	return err
}

// Init wires the error.log and metrics.log sinks under dir and sets the
// stderr verbosity. debug enables Debug-level logging to stderr; without
// it only Info and above reach stderr.
func Init(dir string, debug bool) error {
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "cachelog: creating log dir %q", dir)
	}

	ef, err := os.OpenFile(filepath.Join(dir, "error.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "cachelog: opening error.log")
	}
	mf, err := os.OpenFile(filepath.Join(dir, "metrics.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "cachelog: opening metrics.log")
	}
	errorFile, metricsFile = ef, mf

	level := logrus.InfoLevel
	if debug {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	logger.SetOutput(os.Stderr)
	logger.Hooks.Add(&fileHook{
		w:         ef,
		minLevel:  logrus.WarnLevel,
		formatter: &logrus.TextFormatter{FullTimestamp: true, DisableColors: true},
	})

	metrics.SetLevel(logrus.InfoLevel)
	metrics.SetOutput(io.Discard)
	metrics.Hooks.Add(&fileHook{
		w:         mf,
		minLevel:  logrus.InfoLevel,
		formatter: &logrus.TextFormatter{FullTimestamp: true, DisableColors: true},
	})

	return nil
}

// Close flushes and closes the log file sinks. Safe to call even if Init
// was never called.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if errorFile != nil {
		_ = errorFile.Close()
	}
	if metricsFile != nil {
		_ = metricsFile.Close()
	}
}

// Debugf logs a debug-level trace message, tagged with the component it
// came from (e.g. "getattr", "datacache").
func Debugf(tag, format string, args ...interface{}) {
	logger.WithField("component", tag).Debugf(format, args...)
}

// Infof logs an info-level message.
func Infof(tag, format string, args ...interface{}) {
	logger.WithField("component", tag).Infof(format, args...)
}

// Errorf logs an error-level message. Used for recovered local I/O errors
// and remote-mutation failures that the caller does not propagate verbatim.
func Errorf(tag, format string, args ...interface{}) {
	logger.WithField("component", tag).Errorf(format, args...)
}

// Metric records a cache hit/miss outcome to metrics.log.
func Metric(op string, hit bool, path string) {
	metrics.WithFields(logrus.Fields{
		"op":   op,
		"hit":  hit,
		"path": path,
	}).Info("cache")
}
