package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"ticketteller/pkg/auth"
	"ticketteller/pkg/config"
	"ticketteller/pkg/db"
	"ticketteller/pkg/gen"
	"ticketteller/pkg/health"
	"ticketteller/pkg/httpapi"
	"ticketteller/pkg/logger"
	"ticketteller/pkg/otelcol"
	"ticketteller/pkg/redis"
	"ticketteller/pkg/server"
	"ticketteller/pkg/task"
	"ticketteller/services/refresh"
	"ticketteller/services/subscription"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		otelcol.Module,
		db.Module,
		redis.Module,
		gen.Module,
		task.Client,
		auth.Module,
		health.Module,
		httpapi.Module,
		server.ProvideHTTPServer,
		subscription.Module,
		subscription.HTTP,
		refresh.Module,
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
	return &fxevent.ZapLogger{Logger: log.Named("fx")}
})
