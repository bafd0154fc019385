package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"voice_live_bridge/internal/config"
	"voice_live_bridge/internal/services/replay"

	"github.com/spf13/cobra"
)

var (
	replayPCAP     string
	replayURL      string
	replaySpeed    float64
	replayTrigger  bool
	replayTimeout  time.Duration
	replayLogLevel string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "从抓包文件回放客户端音频到桥接服务",
	Long: `读取 pcap 抓包中浏览器发出的 audio_data 事件，
连接桥接服务后依次发送，用于复现线上问题。

示例:
  voicebridge replay --pcap session.pcap --url ws://localhost:5000/ws
  voicebridge replay --pcap session.pcap --speed 0 --trigger`,
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVar(&replayPCAP, "pcap", "", "pcap 抓包文件")
	replayCmd.Flags().StringVar(&replayURL, "url", "ws://localhost:5000/ws", "桥接服务地址")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 1, "回放速度倍数，0 表示不等待")
	replayCmd.Flags().BoolVar(&replayTrigger, "trigger", false, "音频发送完后请求应答")
	replayCmd.Flags().DurationVar(&replayTimeout, "timeout", 30*time.Second, "等待事件的超时时间")
	replayCmd.Flags().StringVar(&replayLogLevel, "log-level", "info", "日志级别")
	_ = replayCmd.MarkFlagRequired("pcap")
}

func runReplay(cmd *cobra.Command, _ []string) error {
	logger := initLogger(config.LoggingConfig{Level: replayLogLevel, Format: "text"}, os.Stderr)

	capture, err := replay.LoadCapture(replayPCAP)
	if err != nil {
		return err
	}
	if len(capture.Events) == 0 {
		return errors.New("抓包中没有 audio_data 事件")
	}
	logger.Info("已读取抓包", "file", replayPCAP, "path", capture.Path, "audio_events", len(capture.Events))

	summary, err := replay.Run(cmd.Context(), capture.Events, replay.Options{
		URL:         replayURL,
		Speed:       replaySpeed,
		Trigger:     replayTrigger,
		WaitTimeout: replayTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "房间: %s\n发送音频: %d\n", summary.Room, summary.AudioSent)
	for _, name := range summary.EventNames() {
		fmt.Fprintf(out, "  %-24s %d\n", name, summary.Events[name])
	}
	return nil
}
