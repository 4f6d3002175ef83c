package gojart

import "go.uber.org/zap"

// printer routes console output to zap.
type printer struct {
	logger *zap.Logger
}

func (p *printer) Log(s string)   { p.logger.Info(s, zap.String("source", "console")) }
func (p *printer) Warn(s string)  { p.logger.Warn(s, zap.String("source", "console")) }
func (p *printer) Error(s string) { p.logger.Error(s, zap.String("source", "console")) }
