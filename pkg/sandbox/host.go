package sandbox

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// Guest log levels accepted by env.log.
const (
	levelDebug uint32 = iota
	levelInfo
	levelWarn
	levelError
)

// registerHostModule exposes host functions under the "env" module.
func (s *Sandbox) registerHostModule(ctx context.Context) error {
	builder := s.runtime.NewHostModuleBuilder("env")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, msgPtr, msgLen uint32) {
			mem := mod.Memory()
			if mem == nil {
				return
			}
			msg, ok := mem.Read(msgPtr, msgLen)
			if !ok {
				s.logger.Warn().Msg("Guest log message out of range")
				return
			}
			event := s.logger.Debug()
			switch level {
			case levelInfo:
				event = s.logger.Info()
			case levelWarn:
				event = s.logger.Warn()
			case levelError:
				event = s.logger.Error()
			}
			event.Str("source", "guest").Msg(string(msg))
		}).
		Export("log")

	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("failed to instantiate host module: %w", err)
	}
	return nil
}
