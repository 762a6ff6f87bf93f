package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/patchmirror/internal/core/observability/log"
	"github.com/zeusync/patchmirror/sdk/go/client"
)

// ClientSet builds a client from its configuration and the process logger.
var ClientSet = wire.NewSet(
	ProvideLog,
	wire.Bind(new(log.Log), new(*log.Logger)),
	client.New,
)

// ProvideLog returns the process logger at the configured level.
func ProvideLog(cfg client.Config) *log.Logger {
	logger := log.Provide()
	logger.SetLevel(log.ParseLevel(cfg.LogLevel))
	return logger
}
