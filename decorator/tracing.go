package decorator

import (
	"time"

	"go.uber.org/zap"

	"github.com/6over3/jsi"
)

// NewTracing logs every call into plain at debug level with its duration
// and error. A nil logger disables logging.
func NewTracing(plain jsi.Runtime, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("jsi")
	return New(plain, func(method string) func(error) {
		start := time.Now()
		return func(err error) {
			if ce := logger.Check(zap.DebugLevel, "call"); ce != nil {
				ce.Write(
					zap.String("method", method),
					zap.Duration("duration", time.Since(start)),
					zap.Error(err),
				)
			}
		}
	})
}
