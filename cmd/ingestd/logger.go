package main

import (
	"context"
	"io"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/rs/zerolog"
)

// zerologProvider hands out named glog loggers writing through zerolog.
type zerologProvider struct {
	base zerolog.Logger
}

func newLoggerProvider(out io.Writer, level string, pretty bool) *zerologProvider {
	zerolog.TimeFieldFormat = time.RFC3339
	if pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	return &zerologProvider{base: zerolog.New(out).Level(parsed).With().Timestamp().Logger()}
}

func (p *zerologProvider) GetLogger(name string) glog.Logger {
	return &zerologLogger{log: p.base.With().Str("logger", name).Logger()}
}

type zerologLogger struct {
	log zerolog.Logger
}

func (l *zerologLogger) Trace(msg string, args ...any) { l.emit(l.log.Trace(), msg, args) }
func (l *zerologLogger) Debug(msg string, args ...any) { l.emit(l.log.Debug(), msg, args) }
func (l *zerologLogger) Info(msg string, args ...any)  { l.emit(l.log.Info(), msg, args) }
func (l *zerologLogger) Warn(msg string, args ...any)  { l.emit(l.log.Warn(), msg, args) }
func (l *zerologLogger) Error(msg string, args ...any) { l.emit(l.log.Error(), msg, args) }
func (l *zerologLogger) Fatal(msg string, args ...any) { l.emit(l.log.Fatal(), msg, args) }

func (l *zerologLogger) WithContext(context.Context) glog.Logger {
	return l
}

// emit treats args as alternating key/value pairs.
func (l *zerologLogger) emit(event *zerolog.Event, msg string, args []any) {
	if event == nil {
		return
	}
	if len(args) > 0 {
		event = event.Fields(args)
	}
	event.Msg(msg)
}

var (
	_ glog.Logger         = (*zerologLogger)(nil)
	_ glog.LoggerProvider = (*zerologProvider)(nil)
)
