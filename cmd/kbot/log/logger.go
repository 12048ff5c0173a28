package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

var logFile *os.File

// NewLogger builds the process-wide logger, writing to stdout and to a
// timestamped file under saveDirectory. suffix is appended to the file name
// so parallel sessions do not clobber each other's logs.
func NewLogger(debug bool, saveDirectory string, suffix string) (*slog.Logger, error) {
	if saveDirectory == "" {
		saveDirectory = "logs"
	}

	if err := os.MkdirAll(saveDirectory, 0755); err != nil {
		return nil, fmt.Errorf("error creating log directory %s: %w", saveDirectory, err)
	}

	fileName := fmt.Sprintf("kbot-log-%s.txt", time.Now().Format("2006-01-02-15-04-05"))
	if suffix != "" {
		fileName = fmt.Sprintf("kbot-log-%s-%s.txt", suffix, time.Now().Format("2006-01-02-15-04-05"))
	}

	f, err := os.Create(filepath.Join(saveDirectory, fileName))
	if err != nil {
		return nil, fmt.Errorf("error creating log file: %w", err)
	}
	logFile = f

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, logFile), &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(handler), nil
}

// FlushLog forces buffered log data to disk, used before the process is about
// to die from a panic.
func FlushLog() error {
	if logFile == nil {
		return nil
	}

	return logFile.Sync()
}

func FlushAndClose() error {
	if logFile == nil {
		return nil
	}

	if err := logFile.Sync(); err != nil {
		return err
	}

	return logFile.Close()
}
