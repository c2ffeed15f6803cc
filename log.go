package sago

import (
	"context"
	"io"
	"log"
	"os"
)

// Logger is what your logrus-enabled library should take, that way
// it'll accept a stdlib logger and a logrus logger. There's no standard
// interface, this is the closest we get, unfortunately.
type Logger interface {
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Errorf(string, ...interface{})
	Fatalf(string, ...interface{})
}

type logKey uint8

const loggerKey logKey = 0

// SetLogger on the context for usage further down the call chain
func SetLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// ContextLogger gets the logger from the context, or NopLogger when there is none
func ContextLogger(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey).(Logger); ok {
		return logger
	}
	return NopLogger
}

// GoLog adapts a stdlib logger to the Logger interface
func GoLog(w io.Writer, prefix string, flags int) Logger {
	if w == nil {
		w = io.Discard
	}
	return &goLog{l: log.New(w, prefix, flags)}
}

type goLog struct {
	l *log.Logger
}

func (g *goLog) Debugf(format string, args ...interface{}) {
	g.l.Printf("[DEBUG] "+format, args...)
}

func (g *goLog) Infof(format string, args ...interface{}) {
	g.l.Printf("[INFO]  "+format, args...)
}

func (g *goLog) Warnf(format string, args ...interface{}) {
	g.l.Printf("[WARN]  "+format, args...)
}

func (g *goLog) Errorf(format string, args ...interface{}) {
	g.l.Printf("[ERROR] "+format, args...)
}

func (g *goLog) Fatalf(format string, args ...interface{}) {
	g.l.Fatalf("[FATAL] "+format, args...)
}

// NopLogger drops all messages on the floor, except for Fatalf which still exits
var NopLogger Logger = &nopLogger{}

type nopLogger struct{}

func (n *nopLogger) Debugf(string, ...interface{}) {}
func (n *nopLogger) Infof(string, ...interface{})  {}
func (n *nopLogger) Warnf(string, ...interface{})  {}
func (n *nopLogger) Errorf(string, ...interface{}) {}
func (n *nopLogger) Fatalf(string, ...interface{}) { os.Exit(1) }
