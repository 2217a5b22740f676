// Package logx provides one consistent structured-logging convention
// (logrus) for every component of the engine.
package logx

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	once sync.Once
	base *logrus.Logger
)

func root() *logrus.Logger {
	once.Do(func() {
		base = logrus.New()
		base.SetOutput(os.Stderr)
		base.SetFormatter(&logrus.JSONFormatter{})
		base.SetLevel(logrus.InfoLevel)
	})
	return base
}

// SetLevel adjusts the root logger's level, accepting logrus level names.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	root().SetLevel(lvl)
	return nil
}

// New returns a component-scoped logger. Every log line it emits carries a
// "component" field so multiplexed worker/scheduler/handler output can be
// filtered downstream.
func New(component string) *logrus.Entry {
	return root().WithField("component", component)
}
