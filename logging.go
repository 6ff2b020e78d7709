package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	verbosityFlagName      = "verbosity"
	verbosityFlagShortName = "v"
)

var levelNames = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"error": zap.ErrorLevel,
}

// Logger is a logr.Logger backed by zap with an adjustable console level.
type Logger struct {
	logr.Logger
	level zap.AtomicLevel
	flush func()
}

// newLogger writes human readable lines to console. When file is not nil a
// JSON copy of every record at debug level and above goes there as well.
func newLogger(name string, console io.Writer, file io.Writer) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(zapcore.AddSync(console)), level),
	}
	if file != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(file), zap.NewAtomicLevelAt(zapcore.DebugLevel)))
	}

	zapLogger := zap.New(zapcore.NewTee(cores...))
	return &Logger{
		Logger: zapr.NewLogger(zapLogger).WithName(name),
		level:  level,
		flush: func() {
			_ = zapLogger.Sync()
		},
	}
}

func (l *Logger) SetLevel(level zapcore.Level) {
	l.level.SetLevel(level)
}

func (l *Logger) Flush() {
	l.flush()
}

// AddLevelFlag binds -v/--verbosity to the console level.
func (l *Logger) AddLevelFlag(fs *pflag.FlagSet) {
	fs.VarP(&levelFlag{apply: l.SetLevel}, verbosityFlagName, verbosityFlagShortName,
		"Logging verbosity: 'debug', 'info', 'error', or a positive integer for increasing debug detail.")
}

func parseLevel(value string) (zapcore.Level, error) {
	if level, ok := levelNames[strings.ToLower(value)]; ok {
		return level, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", value)
	}
	// zap counts debug verbosity downwards
	return zapcore.Level(int8(-n)), nil
}

type levelFlag struct {
	apply func(zapcore.Level)
	value string
}

func (f *levelFlag) Set(value string) error {
	level, err := parseLevel(value)
	if err != nil {
		return err
	}
	f.apply(level)
	f.value = value
	return nil
}

func (f *levelFlag) String() string { return f.value }

func (f *levelFlag) Type() string { return "level" }

var _ pflag.Value = &levelFlag{}
