// Package logger is the process-wide structured log used by the frameserver
// core and the network proxy. Everything routes through slog so the host can
// swap the handler; the default sink is stderr with an optional append-only
// file mirror.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Log is usable before Init; warnings from early allocation paths must not
// crash on a nil handler.
var Log = slog.Default()

// Init installs the global logger at the given level, mirroring to logFile
// when one is configured. Unknown level strings fall back to info.
func Init(level string, logFile string) error {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv = slog.LevelInfo
	}

	var sink io.Writer = os.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		sink = io.MultiWriter(sink, f)
	}

	Log = slog.New(slog.NewTextHandler(sink, &slog.HandlerOptions{
		Level: lv,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Frame-loop output scrolls fast; date and zone are noise.
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05.000"))
			}
			return a
		},
	}))
	slog.SetDefault(Log)
	return nil
}

func Debug(msg string, args ...any) { Log.Debug(msg, args...) }

func Info(msg string, args ...any) { Log.Info(msg, args...) }

func Warn(msg string, args ...any) { Log.Warn(msg, args...) }

func Error(msg string, args ...any) { Log.Error(msg, args...) }
