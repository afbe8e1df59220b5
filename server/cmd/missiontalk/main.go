package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mission-talk/server/internal/config"
	"mission-talk/server/internal/logger"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "missiontalk",
		Short: "Interactive mission storytelling with AI companions",
		Long: `missiontalk runs the mission server (dialogue, image and speech proxies
plus live mission sessions) and a terminal client that plays a mission
against a running server.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (defaults plus env vars when empty)")

	root.AddCommand(newServeCmd(), newPlayCmd(), newMigrateCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadRuntime 加载配置并创建日志器，三个子命令共用。
func loadRuntime() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	zap.ReplaceGlobals(log)
	return cfg, log, nil
}
