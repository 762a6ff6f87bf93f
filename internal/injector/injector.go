//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/patchmirror/internal/core/observability/log"
	"github.com/zeusync/patchmirror/sdk/go/client"
)

func ProvideLogger(cfg client.Config) *log.Logger {
	wire.Build(ProvideLog)
	return nil
}

func InitializeClient(cfg client.Config) (*client.Client, error) {
	wire.Build(ClientSet)
	return nil, nil
}
