// Package logging builds the *logrus.Logger shared by every eltord
// component: a logrus.Logger writing to stdout, plus an optional file hook
// when a log path is given. The file hook writes each entry synchronously,
// inside the logging call; writes are not buffered or moved off the caller.
package logging

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Setup builds the logger and returns it along with the open log file (nil
// if path is empty). The caller is responsible for closing the file unless
// keepLogs is honored elsewhere; Setup never deletes a file itself.
func Setup(path string, level logrus.Level) (*logrus.Logger, *os.File, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetLevel(level)

	if path == "" {
		return logger, nil, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger.AddHook(&fileHook{file: f, formatter: &logrus.JSONFormatter{}})
	return logger, f, nil
}

// fileHook fans every log entry out to a file in its own JSON-formatted
// line, independent of the stdout text formatter.
type fileHook struct {
	file      *os.File
	formatter logrus.Formatter
}

func (h *fileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *fileHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.file.Write(line)
	return err
}
