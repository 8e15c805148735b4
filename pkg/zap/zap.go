// Package `zap` wraps Zap logging.
//
// We use the convenience sugared logger `Levelw(msg, kv...)` functions, which
// match the `mulog.Logger` interface, so that commands can switch between
// Zap and mulog with a flag.
package zap

import (
	"go.uber.org/zap"
)

type Logger = zap.SugaredLogger

func NewProduction() (*Logger, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

func NewDevelopment() (*Logger, error) {
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}
