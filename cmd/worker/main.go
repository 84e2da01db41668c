package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"ticketteller/pkg/config"
	"ticketteller/pkg/db"
	"ticketteller/pkg/gen"
	"ticketteller/pkg/logger"
	"ticketteller/pkg/otelcol"
	"ticketteller/pkg/task"
	"ticketteller/services/refresh"
	"ticketteller/services/subscription"
)

// worker consumes ticket:refresh tasks enqueued by the API.
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		otelcol.Module,
		db.Module,
		gen.Module,
		task.Server,
		subscription.Module,
		refresh.Worker,
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
	return &fxevent.ZapLogger{Logger: log.Named("fx")}
})
