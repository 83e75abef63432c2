// Package logger builds the process loggers: slog for the application and
// zerolog for the SIP stack, both writing to the same output.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	slogformatter "github.com/samber/slog-formatter"
)

var level = new(slog.LevelVar)

var newHandler = slogformatter.NewFormatterHandler(
	slogformatter.ErrorFormatter("error"),
	slogformatter.FormatByType(func(c net.PacketConn) slog.Value {
		return slog.GroupValue(
			slog.String("type", fmt.Sprintf("%T", c)),
			slog.Any("local_addr", c.LocalAddr()),
		)
	}),
	slogformatter.FormatByType(func(a *net.UDPAddr) slog.Value {
		return slog.StringValue(a.String())
	}),
)

// Options selects the log output.
type Options struct {
	Level string
	// Dev switches to the multi-line development handler.
	Dev bool
}

// New returns a logger writing to out. The level is shared by every logger
// built here and can be changed later with SetLevel.
func New(out io.Writer, opts Options) *slog.Logger {
	level.Set(ParseLevel(opts.Level))

	if opts.Dev {
		return slog.New(newHandler(devslog.NewHandler(out, &devslog.Options{
			HandlerOptions: &slog.HandlerOptions{
				AddSource: true,
				Level:     level,
			},
			SortKeys:   true,
			TimeFormat: "15:04:05",
		})))
	}
	return slog.New(newHandler(console.NewHandler(out, &console.HandlerOptions{
		Level:      level,
		TimeFormat: "15:04:05",
	})))
}

// Init builds the application logger, installs it as the slog default and
// routes the SIP stack's zerolog output through the same writer.
func Init(out io.Writer, opts Options) *slog.Logger {
	l := New(out, opts)
	slog.SetDefault(l)
	zlog.Logger = SIPLogger(out)
	return l
}

// SIPLogger returns a zerolog logger whose JSON lines are reformatted to
// match the application log layout.
func SIPLogger(out io.Writer) zerolog.Logger {
	return zerolog.New(&JSONParsingWriter{base: out}).
		Level(zerologLevel(level.Level())).
		With().Timestamp().Logger()
}

// SetLevel sets the global log level
func SetLevel(levelStr string) {
	level.Set(ParseLevel(levelStr))
	zlog.Logger = zlog.Logger.Level(zerologLevel(level.Level()))
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	switch level.Level() {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelInfo:
		return "info"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "debug"
	}
}

// ParseLevel parses a string to an slog level
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

func zerologLevel(l slog.Level) zerolog.Level {
	switch {
	case l >= slog.LevelError:
		return zerolog.ErrorLevel
	case l >= slog.LevelWarn:
		return zerolog.WarnLevel
	case l >= slog.LevelInfo:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}

// JSONParsingWriter wraps an io.Writer and converts JSON logs to our format
type JSONParsingWriter struct {
	base io.Writer
}

// NewJSONParsingWriter returns a writer reformatting JSON log lines onto base.
func NewJSONParsingWriter(base io.Writer) *JSONParsingWriter {
	return &JSONParsingWriter{base: base}
}

// Write implements io.Writer and parses JSON logs
func (w *JSONParsingWriter) Write(p []byte) (int, error) {
	line := string(p)

	// Check if this is a JSON log line (from sipgo)
	if strings.HasPrefix(strings.TrimSpace(line), "{") {
		var logEntry map[string]interface{}
		if err := json.Unmarshal(p, &logEntry); err == nil {
			level := "info"
			if lv, ok := logEntry["level"]; ok {
				level = fmt.Sprint(lv)
			}

			message := "unknown"
			if msg, ok := logEntry["message"]; ok {
				message = fmt.Sprint(msg)
			}

			timestamp := time.Now().Format("15:04:05")
			if t, ok := logEntry["time"]; ok {
				if ts, err := time.Parse(time.RFC3339, fmt.Sprint(t)); err == nil {
					timestamp = ts.Format("15:04:05")
				}
			}

			// Collect attributes (excluding standard fields)
			var attrs []string
			for k, v := range logEntry {
				if k != "level" && k != "message" && k != "time" && k != "caller" {
					attrs = append(attrs, fmt.Sprintf("%s=%v", k, v))
				}
			}
			slices.Sort(attrs)

			formatted := fmt.Sprintf("%s %s [SIP] %s", timestamp, strings.ToUpper(level), message)
			if len(attrs) > 0 {
				formatted += " " + strings.Join(attrs, " ")
			}
			formatted += "\n"

			// Report the consumed input length, not the rewritten one.
			if _, err := w.base.Write([]byte(formatted)); err != nil {
				return 0, err
			}
			return len(p), nil
		}
	}

	// Not JSON or failed to parse, write as-is
	return w.base.Write(p)
}
