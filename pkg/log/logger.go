package log

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is an instance of zerolog.Logger
type Logger struct {
	zerolog.Logger
}

type LoggerType uint8

const (
	ConsoleLogger LoggerType = iota
	JSONLogger
)

var (
	Root    zerolog.Logger
	Dynarec zerolog.Logger
	Cache   zerolog.Logger
	Syscall zerolog.Logger
	Sched   zerolog.Logger
)

// Options for Logger
type Options struct {
	// Enable Debug loglevel, default Info
	LogLevel zerolog.Level
	Type     LoggerType
}

func ParseLogLevel(loglevel string) (zerolog.Level, error) {
	return zerolog.ParseLevel(loglevel)
}

// init installs a default console logger at Info level so every
// component-scoped logger below is safe to call before cmd/ultracpu (or
// any other caller) parses its own flags and calls Init explicitly.
func init() {
	Init(Options{LogLevel: zerolog.InfoLevel, Type: ConsoleLogger})
}

func Init(opts Options) {

	switch opts.Type {
	case ConsoleLogger:
		cw := newConsoleWriter()
		Root = zerolog.New(cw).Level(opts.LogLevel).
			With().Timestamp().Logger()
		Dynarec = Root.With().Str("component", "dynarec").Logger()
		Cache = Root.With().Str("component", "cache").Logger()
		Syscall = Root.With().Str("component", "syscall").Logger()
		Sched = Root.With().Str("component", "sched").Logger()
	default:
		Root = zerolog.New(os.Stdout).Level(opts.LogLevel).
			With().Timestamp().Logger()
		Dynarec = Root.With().Str("component", "dynarec").Logger()
		Cache = Root.With().Str("component", "cache").Logger()
		Syscall = Root.With().Str("component", "syscall").Logger()
		Sched = Root.With().Str("component", "sched").Logger()

	}
}

func newConsoleWriter() zerolog.ConsoleWriter {
	cw := zerolog.ConsoleWriter{Out: os.Stdout, NoColor: true, TimeFormat: time.RFC3339}

	cw.FormatLevel = func(i interface{}) string {
		return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
	}

	cw.FormatMessage = func(i interface{}) string {
		return fmt.Sprintf("message: \"%s\" |", i)
	}

	cw.FormatFieldName = func(i interface{}) string {
		return fmt.Sprintf("\"%s\": ", i)
	}

	cw.FormatFieldValue = func(i interface{}) string {
		return fmt.Sprintf("\"%s\" |", i)
	}

	cw.FormatErrFieldValue = func(i interface{}) string {
		return fmt.Sprintf(" %s |", i)
	}
	return cw
}
