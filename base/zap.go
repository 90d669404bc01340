package base

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var zp *zap.Logger

func Zap() *zap.Logger {
	return zp
}

func init() {
	zp, _ = zap.NewProduction()
}

// SetLogPath 指定日志文件，不调用的话日志走标准错误输出
func SetLogPath(logPath string) {
	if logPath == "" {
		return
	}
	file, err := os.Create(logPath)
	if err != nil {
		zp.Sugar().Errorf("create log file failed %s", err.Error())
		return
	}
	writeSyncer := zapcore.AddSync(file)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		writeSyncer,
		zap.InfoLevel,
	)
	zp = zap.New(core)
}
