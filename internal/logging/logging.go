// Package logging provides named component loggers for placer.
//
// Loggers are logrus-backed and cached per component name so that packages
// can obtain their logger at init time without plumbing.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu      sync.Mutex
	loggers = make(map[string]*Logger)
)

// Logger is a logrus logger bound to a component name.
type Logger struct {
	logrus.Logger

	component string
}

// Format implements logrus.Formatter with a compact single-line layout.
func (l *Logger) Format(e *logrus.Entry) ([]byte, error) {
	const timeFormat = "2006/01/02 15:04:05.000000"

	str := fmt.Sprintf("%s %s <%s>: %s",
		e.Time.Format(timeFormat),
		l.component,
		strings.ToUpper(e.Level.String()),
		e.Message)
	if len(e.Data) != 0 {
		str += fmt.Sprintf(" %v", e.Data)
	}
	str += "\n"
	return []byte(str), nil
}

func newLogger(component string) *Logger {
	l := &Logger{component: component}
	l.Out = os.Stderr
	l.Formatter = l
	l.Level = logrus.InfoLevel
	l.Hooks = make(logrus.LevelHooks)
	return l
}

// GetLogger returns the logger for the given component, creating it on first use.
func GetLogger(component string) *Logger {
	mu.Lock()
	defer mu.Unlock()

	if l, ok := loggers[component]; ok {
		return l
	}
	l := newLogger(component)
	loggers[component] = l
	return l
}

// SetLevel sets the level on every registered logger.
func SetLevel(lvl logrus.Level) {
	mu.Lock()
	defer mu.Unlock()

	for _, l := range loggers {
		l.Level = lvl
	}
}
