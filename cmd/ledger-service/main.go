// cmd/ledger-service/main.go
package main

import (
	zlog "github.com/rs/zerolog/log"

	"tokenvote/internal/pkg/bootstrap"
	"tokenvote/internal/service/ledger"
	"tokenvote/internal/service/ledger/interfaces"
)

// main 是 HTTP 服务的组装根：加载配置、装配账本、注册路由，然后交给 bootstrap 托管生命周期。
func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()

	rt, err := ledger.NewRuntime(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to initialize ledger runtime")
	}

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: cfg.Service.Name,
		Port:        cfg.Service.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			interfaces.NewLedgerHandler(rt.Ledger).RegisterRoutes(appCtx.Mux)
		},
		OnShutdown: rt.Close,
	})
}
