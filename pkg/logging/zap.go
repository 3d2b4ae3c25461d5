package logging

import "go.uber.org/zap"

// Zap adapts a zap.SugaredLogger to the Logger interface.
type Zap struct {
	sugar *zap.SugaredLogger
}

// NewZap builds a Zap logger. debug switches between a development and a
// production zap configuration.
func NewZap(debug bool) (*Zap, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Zap{sugar: base.Sugar()}, nil
}

func (z *Zap) Debug(msg string, args ...interface{}) { z.sugar.Debugw(msg, args...) }
func (z *Zap) Info(msg string, args ...interface{})  { z.sugar.Infow(msg, args...) }
func (z *Zap) Warn(msg string, args ...interface{})  { z.sugar.Warnw(msg, args...) }
func (z *Zap) Error(msg string, args ...interface{}) { z.sugar.Errorw(msg, args...) }

// Sync flushes any buffered log entries.
func (z *Zap) Sync() error { return z.sugar.Sync() }
