// Package logger 引擎日志门面。各包经包级helper或WithComponent
// 记录日志，输出统一走一个logrus实例。
package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger 全局日志实例
var Logger = newDefaultLogger()

// LogConfig 日志配置
type LogConfig struct {
	// LogPath 主日志文件，留空只写stdout
	LogPath string
	// ErrorLogPath 错误日志文件，error及以上级别额外落这里
	ErrorLogPath string
	LogLevel     string
}

// 结构化字段名
const (
	FieldComponent = "component"
	FieldOp        = "op"
	FieldTrace     = "trace"
)

// engineFormatter 引擎日志格式:
//
//	[2006-01-02 15:04:05.000] [LEVL] [component] message key=value ...
type engineFormatter struct{}

func (f *engineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}

	component := "engine"
	if c, ok := entry.Data[FieldComponent]; ok {
		component = fmt.Sprint(c)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "[%s] [%s] [%s] %s",
		entry.Time.Format("2006-01-02 15:04:05.000"),
		level,
		component,
		entry.Message)

	// 附加字段按键排序，保证日志可diff
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k != FieldComponent {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, " %s=%v", k, entry.Data[k])
	}
	buf.WriteByte('\n')

	return buf.Bytes(), nil
}

// errorFileHook 把error及以上级别的日志额外写进错误日志文件
type errorFileHook struct {
	out       io.Writer
	formatter logrus.Formatter
}

func (h *errorFileHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}
}

func (h *errorFileHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.out.Write(line)
	return err
}

func newDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&engineFormatter{})
	l.SetLevel(logrus.InfoLevel)
	l.SetOutput(os.Stdout)
	return l
}

// InitLogger 按配置重建全局日志实例
func InitLogger(config LogConfig) error {
	l := newDefaultLogger()

	if config.LogLevel != "" {
		level, err := logrus.ParseLevel(strings.ToLower(config.LogLevel))
		if err != nil {
			l.Warnf("unknown log level %q, falling back to info", config.LogLevel)
			level = logrus.InfoLevel
		}
		l.SetLevel(level)
	}

	if config.LogPath != "" {
		logFile, err := openLogFile(config.LogPath)
		if err != nil {
			l.Warnf("failed to open log file %s, fallback to stdout: %v", config.LogPath, err)
		} else {
			l.SetOutput(io.MultiWriter(os.Stdout, logFile))
		}
	}

	if config.ErrorLogPath != "" {
		errFile, err := openLogFile(config.ErrorLogPath)
		if err != nil {
			l.Warnf("failed to open error log file %s: %v", config.ErrorLogPath, err)
		} else {
			l.AddHook(&errorFileHook{out: errFile, formatter: &engineFormatter{}})
		}
	}

	Logger = l
	return nil
}

// openLogFile 打开日志文件
func openLogFile(logPath string) (*os.File, error) {
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}

	return os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
}

// WithComponent 返回带组件标记的日志入口
func WithComponent(name string) *logrus.Entry {
	return Logger.WithField(FieldComponent, name)
}

// WithOp 返回带组件与操作trace标记的日志入口，
// 树操作的状态机日志统一经这里输出
func WithOp(component string, opc fmt.Stringer, trace string) *logrus.Entry {
	return Logger.WithFields(logrus.Fields{
		FieldComponent: component,
		FieldOp:        opc.String(),
		FieldTrace:     trace,
	})
}

// Debug 记录调试日志
func Debug(args ...interface{}) {
	Logger.Debug(args...)
}

// Debugf 记录格式化调试日志
func Debugf(format string, args ...interface{}) {
	Logger.Debugf(format, args...)
}

// Info 记录信息日志
func Info(args ...interface{}) {
	Logger.Info(args...)
}

// Infof 记录格式化信息日志
func Infof(format string, args ...interface{}) {
	Logger.Infof(format, args...)
}

// Warn 记录警告日志
func Warn(args ...interface{}) {
	Logger.Warn(args...)
}

// Warnf 记录格式化警告日志
func Warnf(format string, args ...interface{}) {
	Logger.Warnf(format, args...)
}

// Error 记录错误日志
func Error(args ...interface{}) {
	Logger.Error(args...)
}

// Errorf 记录格式化错误日志
func Errorf(format string, args ...interface{}) {
	Logger.Errorf(format, args...)
}
