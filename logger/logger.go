package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

var Logger zerolog.Logger

func Init() {
	InitWithWriter(os.Stdout)
}

func InitWithWriter(w io.Writer) {
	// ---- level ----
	logLevel := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevel == "" {
		logLevel = "info"
	}
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	// ---- format ----
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT")) // "json" or "console"
	if format == "" {
		format = "console"
	}

	var base zerolog.Logger
	if format == "json" {
		base = zerolog.New(w)
	} else {
		cw := zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
		if strings.TrimSpace(os.Getenv("LOG_COLOR")) == "0" {
			cw.NoColor = true
		}
		base = zerolog.New(cw)
	}

	l := base.With().Timestamp().Logger().Level(level)

	if strings.TrimSpace(os.Getenv("LOG_CALLER")) == "1" {
		l = l.With().Caller().Logger()
	}

	Logger = l
	zlog.Logger = Logger
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
