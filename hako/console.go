package hako

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/6over3/jsi"
)

// installConsole defines a global console whose methods log through zap.
func (r *Realm) installConsole() error {
	console := r.CreateObject()
	defer console.Release()

	methods := []struct {
		name  string
		level zapcore.Level
	}{
		{"log", zapcore.InfoLevel},
		{"info", zapcore.InfoLevel},
		{"debug", zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, m := range methods {
		name := r.CreatePropNameID(m.name)
		fn := r.CreateFunctionFromHostFunction(name, 0, r.consoleMethod(m.level))
		name.Release()
		err := console.SetProperty(r, m.name, fn.Value())
		fn.Release()
		if err != nil {
			return err
		}
	}

	global := r.Global()
	defer global.Release()
	return global.SetProperty(r, "console", console.Value())
}

func (r *Realm) consoleMethod(level zapcore.Level) jsi.HostFunction {
	return func(rt jsi.Runtime, _ jsi.Value, args []jsi.Value) (jsi.Value, error) {
		parts := make([]string, 0, len(args))
		for _, a := range args {
			s, err := jsi.ToString(rt, a)
			if err != nil {
				return jsi.Undefined(), err
			}
			parts = append(parts, s.UTF8(rt))
			s.Release()
		}
		r.logger.Log(level, strings.Join(parts, " "), zap.String("source", "console"))
		return jsi.Undefined(), nil
	}
}
