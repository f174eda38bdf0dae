package conf

import (
	"os"
	"path/filepath"

	"github.com/zhukovaskychina/xbtree-engine/logger"

	"gopkg.in/ini.v1"
)

// CommandLineArgs 命令行参数
type CommandLineArgs struct {
	ConfigPath string
}

/*
*
data-dir        = data
segment-file    = btree0.seg
node-size       = 4096
*/
type Cfg struct {
	Raw     *ini.File
	DataDir string
	AppName string

	// logs
	LogError string `default:"logs/error.log"`
	LogInfos string `default:"logs/engine.log"`
	LogLevel string `default:"info"`

	// btree engine
	SegmentFile     string `default:"btree0.seg"`
	SegmentSize     int    `default:"134217728"`
	NodeSize        int    `default:"4096"`
	MaxOpenTrees    int    `default:"20"`
	LRUPurgeBatch   int    `default:"64"`
	CloseTimeoutSec int    `default:"5"`
}

func NewCfg() *Cfg {
	return &Cfg{
		AppName:         "xbtree-engine",
		DataDir:         "data",
		LogError:        "logs/error.log",
		LogInfos:        "logs/engine.log",
		LogLevel:        "info",
		SegmentFile:     "btree0.seg",
		SegmentSize:     128 * 1024 * 1024,
		NodeSize:        4096,
		MaxOpenTrees:    20,
		LRUPurgeBatch:   64,
		CloseTimeoutSec: 5,
	}
}

// Load 从ini配置文件加载配置，文件不存在时使用默认值
func (cfg *Cfg) Load(args *CommandLineArgs) *Cfg {
	if args == nil || args.ConfigPath == "" {
		return cfg
	}
	if _, err := os.Stat(args.ConfigPath); err != nil {
		logger.Warnf("config file %s not found, using defaults", args.ConfigPath)
		return cfg
	}

	raw, err := ini.Load(args.ConfigPath)
	if err != nil {
		logger.Errorf("failed to parse config file %s: %v", args.ConfigPath, err)
		return cfg
	}
	cfg.Raw = raw

	section := raw.Section("engine")
	cfg.DataDir = section.Key("data-dir").MustString(cfg.DataDir)
	cfg.SegmentFile = section.Key("segment-file").MustString(cfg.SegmentFile)
	cfg.SegmentSize = section.Key("segment-size").MustInt(cfg.SegmentSize)
	cfg.NodeSize = section.Key("node-size").MustInt(cfg.NodeSize)
	cfg.MaxOpenTrees = section.Key("max-open-trees").MustInt(cfg.MaxOpenTrees)
	cfg.LRUPurgeBatch = section.Key("lru-purge-batch").MustInt(cfg.LRUPurgeBatch)
	cfg.CloseTimeoutSec = section.Key("close-timeout").MustInt(cfg.CloseTimeoutSec)

	logSection := raw.Section("log")
	cfg.LogError = logSection.Key("log-error").MustString(cfg.LogError)
	cfg.LogInfos = logSection.Key("log-infos").MustString(cfg.LogInfos)
	cfg.LogLevel = logSection.Key("log-level").MustString(cfg.LogLevel)

	return cfg
}

// SegmentPath 返回段文件完整路径
func (cfg *Cfg) SegmentPath() string {
	return filepath.Join(cfg.DataDir, cfg.SegmentFile)
}
