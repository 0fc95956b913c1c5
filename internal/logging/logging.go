package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls how the process-wide logger is built.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Dir receives one append-only file per calendar day. Empty disables
	// file output.
	Dir string
	// Console receives the same lines as the log file. Defaults to stderr.
	Console io.Writer
	// Clock decides which day's file a line lands in. Defaults to the real clock.
	Clock clockwork.Clock
}

var (
	mu     sync.Mutex
	logger *zap.SugaredLogger
	daily  *dailyFile
)

// Init initialises the global logger. It is safe to call multiple times; the
// first successful call wins. PISWARM_LOG_LEVEL and PISWARM_LOG_DIR override
// the supplied options.
func Init(opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	if logger != nil {
		return nil
	}

	if v := strings.TrimSpace(os.Getenv("PISWARM_LOG_LEVEL")); v != "" {
		opts.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("PISWARM_LOG_DIR")); v != "" {
		opts.Dir = v
	}
	if opts.Console == nil {
		opts.Console = os.Stderr
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	lvl := parseLevel(opts.Level)
	enc := zapcore.NewConsoleEncoder(encoderConfig())

	sinks := []zapcore.WriteSyncer{zapcore.AddSync(opts.Console)}
	if opts.Dir != "" {
		f, err := newDailyFile(opts.Dir, "piswarm", opts.Clock)
		if err != nil {
			// The logger isn't up yet; warn on the console and keep going.
			fmt.Fprintf(opts.Console, "%s - WARN - failed to open log directory %s: %v\n",
				opts.Clock.Now().UTC().Format(time.RFC3339), opts.Dir, err)
		} else {
			daily = f
			sinks = append(sinks, f)
		}
	}

	core := zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(sinks...), lvl)
	logger = zap.New(core).Sugar()
	return nil
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:          "ts",
		LevelKey:         "level",
		MessageKey:       "msg",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeTime:       utcTimeEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " - ",
	}
}

func utcTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.UTC().Format(time.RFC3339))
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// L returns the process-wide logger. Before Init is called it logs to stderr
// at info level without a file.
func L() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()

	if logger == nil {
		core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.AddSync(os.Stderr), zapcore.InfoLevel)
		return zap.New(core).Sugar()
	}
	return logger
}

// Sync flushes and closes the log file if one is open.
func Sync() {
	mu.Lock()
	defer mu.Unlock()

	if logger != nil {
		_ = logger.Sync()
	}
	if daily != nil {
		_ = daily.Close()
		daily = nil
	}
}

// FormatNodeMessage formats a log message with node identifier.
// Format: "prefix [address - [hostname] - role] message"
// If hostname is blank: "prefix [address - role] message"
// If role is blank: "prefix [address - [hostname]] message"
// If both blank: "prefix [address] message"
func FormatNodeMessage(prefix, address, hostname, role, message string) string {
	parts := []string{address}

	if hostname != "" {
		parts = append(parts, fmt.Sprintf("[%s]", hostname))
	}

	if role != "" {
		parts = append(parts, role)
	}

	identifier := strings.Join(parts, " - ")
	return fmt.Sprintf("%s [%s] %s", prefix, identifier, message)
}
