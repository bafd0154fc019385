package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voice_live_bridge/internal/clients/voicelive"
	"voice_live_bridge/internal/config"
	"voice_live_bridge/internal/credential"
	"voice_live_bridge/internal/handlers"
	"voice_live_bridge/internal/metrics"
	"voice_live_bridge/internal/middleware"
	"voice_live_bridge/internal/routes"
	"voice_live_bridge/internal/services/voice"
	"voice_live_bridge/internal/services/ws"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动语音桥接服务",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "config.yaml", "配置文件路径")
}

// newCredentialProvider 配置了固定令牌时直接使用，否则走 Azure 凭据链
func newCredentialProvider(cfg config.VoiceLiveConfig) (credential.Provider, error) {
	if cfg.Token != "" {
		return credential.StaticProvider(cfg.Token), nil
	}
	return credential.NewAzureProvider(cfg.Scope)
}

// sessionConfig 把配置转换为 session.update 参数
func sessionConfig(cfg config.SessionConfig) voicelive.SessionConfig {
	td := cfg.TurnDetection
	return voicelive.SessionConfig{
		TurnDetection: &voicelive.TurnDetection{
			Type:              td.Type,
			Threshold:         td.Threshold,
			PrefixPaddingMs:   td.PrefixPaddingMs,
			SilenceDurationMs: td.SilenceDurationMs,
			RemoveFillerWords: td.RemoveFillerWords,
			EndOfUtteranceDetection: &voicelive.EndOfUtteranceDetection{
				Model:     td.EOUModel,
				Threshold: td.EOUThreshold,
				Timeout:   td.EOUTimeout,
			},
		},
		InputAudioNoiseReduction:   &voicelive.TypedOption{Type: cfg.NoiseReduction},
		InputAudioEchoCancellation: &voicelive.TypedOption{Type: cfg.EchoCancellation},
		Voice: &voicelive.Voice{
			Name:        cfg.Voice.Name,
			Type:        cfg.Voice.Type,
			Temperature: cfg.Voice.Temperature,
		},
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)
	logger.Info("语音桥接服务启动中...", "addr", cfg.Server.Addr(), "endpoint", cfg.VoiceLive.Endpoint)

	creds, err := newCredentialProvider(cfg.VoiceLive)
	if err != nil {
		return fmt.Errorf("初始化凭据失败: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	client := voicelive.NewClient(voicelive.Config{
		Endpoint:         cfg.VoiceLive.Endpoint,
		APIVersion:       cfg.VoiceLive.APIVersion,
		ProjectName:      cfg.VoiceLive.ProjectName,
		AgentID:          cfg.VoiceLive.AgentID,
		HandshakeTimeout: cfg.VoiceLive.HandshakeTimeout,
		WriteWait:        cfg.VoiceLive.WriteWait,
		MaxMessageSize:   cfg.VoiceLive.MaxMessageSize,
	}, logger)

	registry := voice.NewRegistry()
	hub := ws.NewHub(cfg.WebSocket, logger)
	hub.SetHandler(handlers.NewVoiceHandler(registry, voice.Options{
		Dialer:        voice.FromClient(client),
		Credentials:   creds,
		Publisher:     hub,
		SessionConfig: sessionConfig(cfg.Session),
		Instructions:  cfg.Session.Instructions,
		PollInterval:  cfg.Session.PollInterval,
		ErrorBackoff:  cfg.Session.ErrorBackoff,
		SinkMaxBytes:  cfg.Session.SinkMaxBytes,
		Logger:        logger,
		Metrics:       m,
	}))

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	middleware.Setup(engine, logger)
	routes.RegisterRoutes(engine, routes.Dependencies{
		Registry:    registry,
		Hub:         hub,
		Metrics:     m,
		MetricsPath: cfg.Metrics.Path,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Info("服务已启动", "addr", cfg.Server.Addr())

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP服务异常退出: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("正在关闭服务...")
	stopped := registry.StopAll()
	hub.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("关闭HTTP服务失败: %w", err)
	}
	logger.Info("服务已关闭", "stopped_sessions", stopped)
	return nil
}
