package base

func LogDebug(format string, v ...interface{}) {
	Zap().Sugar().Debugf(format, v...)
}

func LogInfo(format string, v ...interface{}) {
	Zap().Sugar().Infof(format, v...)
}

func LogWarn(format string, v ...interface{}) {
	Zap().Sugar().Warnf(format, v...)
}

func LogError(format string, v ...interface{}) {
	Zap().Sugar().Errorf(format, v...)
}

func LogPanic(format string, v ...interface{}) {
	Zap().Sugar().Panicf(format, v...)
}
