package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"OmniDimension/internal/config"
	"OmniDimension/pkg/logger"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "omnidimd",
	Short: "OmniDimension command orchestration daemon",
	Long: `omnidimd accepts natural-language operator commands, hands them to the
action queue and answers through a tiered reply chain (remote completion,
optional conversational widget, static guidance).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		_ = godotenv.Load(".env")

		loaded, err := config.LoadOrDefault(config.ResolvePath(configPath))
		if err != nil {
			return err
		}
		if err := logger.Init(loaded.Logging); err != nil {
			return fmt.Errorf("初始化日志失败: %w", err)
		}
		cfg = loaded
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"配置文件路径 (默认读取 "+config.EnvConfigPath+"，否则为 "+config.DefaultPath+")")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(consoleCmd)
}

// main 是 OmniDimension 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "omnidimd 运行失败: %v\n", err)
		stop()
		os.Exit(1)
	}
}
