package logger

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Глобальный экземпляр логгера
var (
	globalLogger *zap.Logger
	once         sync.Once
)

// Init инициализирует глобальный логгер.
// JSON-записи пишутся в ротируемые файлы в каталоге dir (5 МБ на файл,
// хранится не более 20 файлов), читаемый вывод дублируется в stdout.
func Init(dir string, level string) {
	once.Do(func() {
		globalLogger = newLogger(dir, level)
	})
}

// GetLogger возвращает глобальный экземпляр логгера
func GetLogger() *zap.Logger {
	if globalLogger == nil {
		Init("logs", "info")
	}
	return globalLogger
}

// Вспомогательные функции для удобства использования
func Info(msg string, fields ...zap.Field) {
	GetLogger().Info(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	GetLogger().Error(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, fields...)
}

// newLogger создает новый экземпляр логгера
func newLogger(dir string, level string) *zap.Logger {
	// Конфигурация энкодера
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("02.01.2006 - 15:04:05.000000000Z07:00")
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	consoleEncoderConfig := encoderConfig
	consoleEncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	// Создание энкодеров
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderConfig)
	jsonFileEncoder := zapcore.NewJSONEncoder(encoderConfig)

	// Ротация JSON-файлов
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "screener.json.log"),
		MaxSize:    5, // МБ
		MaxBackups: 20,
		Compress:   false,
	}

	// Writers
	consoleWriter := zapcore.AddSync(os.Stdout)
	jsonFileWriter := zapcore.AddSync(rotator)

	// Уровень логирования
	lvl := zapcore.InfoLevel
	if err := lvl.Set(level); err != nil {
		lvl = zapcore.InfoLevel
	}

	// Tee: console + JSON файл
	core := zapcore.NewTee(
		zapcore.NewCore(consoleEncoder, consoleWriter, lvl),
		zapcore.NewCore(jsonFileEncoder, jsonFileWriter, lvl),
	)

	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
}
