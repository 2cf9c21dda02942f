package debug

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (geometry, strategy, exit status)
	LevelLive    = 2 // Live info (frames emitted, trigger retries)
	LevelVerbose = 3 // Verbose (buffer transitions, configuration)
	LevelTrace   = 4 // Trace (GPIO, very low level)
)

var (
	mu     sync.RWMutex
	level  int
	out    io.Writer = os.Stderr
	logger *zap.SugaredLogger
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (frame geometry, strategy, exit status)
// 2 = live info (frames emitted, trigger retries)
// 3 = verbose (buffer transitions, configuration details)
// 4 = trace (GPIO, very low level)
//
// Output goes to stderr: stdout is reserved for frame data.
func Init(debugLevel int) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	rebuild()
}

// SetOutput redirects log output, e.g. to io.MultiWriter(os.Stderr, broadcaster).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	rebuild()
}

// Sync flushes any buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if logger != nil {
		_ = logger.Sync()
	}
}

func rebuild() {
	if level <= LevelOff {
		logger = nil
		return
	}
	encCfg := zapcore.EncoderConfig{
		MessageKey:  "msg",
		LevelKey:    "level",
		TimeKey:     "time",
		NameKey:     "name",
		EncodeLevel: zapcore.CapitalLevelEncoder,
		EncodeTime:  zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeName:  zapcore.FullNameEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(out),
		zap.NewAtomicLevelAt(zapcore.DebugLevel),
	)
	logger = zap.New(core).Named("sortcam").Sugar()
}

func get(minLevel int) *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	if level < minLevel {
		return nil
	}
	return logger
}

// Level returns the current debug level.
func Level() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	if l := get(LevelInfo); l != nil {
		l.Infof(format, args...)
	}
}

// Warn prints a level 1 warning.
func Warn(format string, args ...interface{}) {
	if l := get(LevelInfo); l != nil {
		l.Warnf(format, args...)
	}
}

// Value prints a named value (level 1).
func Value(name string, value interface{}) {
	if l := get(LevelInfo); l != nil {
		l.Infof("  %s = %v", name, value)
	}
}

// Error prints an error (level 1+).
func Error(err error) {
	if l := get(LevelInfo); l != nil {
		l.Errorf("%v", err)
	}
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	if l := get(LevelLive); l != nil {
		l.Infof(format, args...)
	}
}

// Frame prints an emitted frame (level 2).
func Frame(index uint64, size string) {
	if l := get(LevelLive); l != nil {
		l.Infof("frame %d emitted (%s)", index, size)
	}
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	if l := get(LevelVerbose); l != nil {
		l.Debugf(format, args...)
	}
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	if l := get(LevelVerbose); l != nil {
		l.Debugf("%s: %+v", name, v)
	}
}

// Section prints a section separator (level 3).
func Section(name string) {
	if l := get(LevelVerbose); l != nil {
		l.Debug("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		l.Debugf("  %s", name)
		l.Debug("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	if l := get(LevelVerbose); l != nil {
		l.Debugf("Step %d: %s", num, description)
	}
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace).
func Trace(format string, args ...interface{}) {
	if l := get(LevelTrace); l != nil {
		l.Debugf(format, args...)
	}
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	if l := get(LevelTrace); l != nil {
		l.Debugf("[GPIO] %s pin=%d value=%v", operation, pin, value)
	}
}
