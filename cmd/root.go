package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhukovaskychina/xbtree-engine/btree"
	"github.com/zhukovaskychina/xbtree-engine/conf"
	"github.com/zhukovaskychina/xbtree-engine/logger"
)

var configPath string

// rootCmd 引擎命令入口
var rootCmd = &cobra.Command{
	Use:   "xbtree",
	Short: "Segment B+-tree engine utilities",
	Long:  "xbtree 提供针对段式B+树引擎的演示与巡检命令",
}

// Execute 运行CLI
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "configPath", "", "my.ini风格配置文件路径")
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(statsCmd)
}

// loadConfig 解析配置并初始化日志
func loadConfig() *conf.Cfg {
	cfg := conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: configPath})
	if err := logger.InitLogger(logger.LogConfig{
		LogPath:      cfg.LogInfos,
		ErrorLogPath: cfg.LogError,
		LogLevel:     cfg.LogLevel,
	}); err != nil {
		fmt.Println("failed to initialize logger:", err)
	}
	btree.CloseTimeout = time.Duration(cfg.CloseTimeoutSec) * time.Second
	if cfg.MaxOpenTrees > btree.MaxTrees {
		logger.Warnf("max-open-trees %d exceeds pool capacity %d", cfg.MaxOpenTrees, btree.MaxTrees)
	}
	return cfg
}
