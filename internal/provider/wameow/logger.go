package wameow

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// waLogger adapts slog to the client library's logger interface so the
// transport's internals log through the same handler as the rest of the
// bridge.
type waLogger struct {
	log *slog.Logger
	mod string
}

func newWALogger(log *slog.Logger) waLog.Logger {
	return &waLogger{log: log}
}

func (w *waLogger) Errorf(msg string, args ...interface{}) {
	w.log.Error(fmt.Sprintf(msg, args...), "module", w.mod)
}

func (w *waLogger) Warnf(msg string, args ...interface{}) {
	w.log.Warn(fmt.Sprintf(msg, args...), "module", w.mod)
}

func (w *waLogger) Infof(msg string, args ...interface{}) {
	w.log.Info(fmt.Sprintf(msg, args...), "module", w.mod)
}

func (w *waLogger) Debugf(msg string, args ...interface{}) {
	w.log.Debug(fmt.Sprintf(msg, args...), "module", w.mod)
}

func (w *waLogger) Sub(module string) waLog.Logger {
	m := module
	if w.mod != "" {
		m = w.mod + "/" + module
	}
	return &waLogger{log: w.log, mod: m}
}
