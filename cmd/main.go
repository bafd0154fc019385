package main

import (
	"io"
	"log/slog"
	"os"

	"voice_live_bridge/internal/config"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "voicebridge",
	Short:        "浏览器与 Azure Voice Live 之间的实时语音桥接服务",
	SilenceUsage: true,
}

// initLogger 根据配置创建日志器
func initLogger(cfg config.LoggingConfig, out io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
