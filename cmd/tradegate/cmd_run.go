package main

import (
	"fmt"

	"tradegate/internal/app"
	"tradegate/internal/logger"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the pipeline, the venue router and the HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		return fmt.Errorf("初始化日志文件失败: %w", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.Infof("✓ 配置加载成功（环境=%s，场所=%s，策略=%d）", cfg.App.Env, cfg.Venue.Kind, len(cfg.Strategies))

	ctx := cmd.Context()
	a, err := app.NewApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("初始化应用失败: %w", err)
	}
	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("运行失败: %w", err)
	}
	logger.Infof("tradegate stopped")
	return nil
}
