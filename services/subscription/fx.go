package subscription

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("subscription.service",
	fx.Provide(NewService),
	fx.Invoke(registerMigration),
)

var HTTP = fx.Module("subscription.http",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Subscription{}, &Ticket{})
}

func registerMigration(lc fx.Lifecycle, db *gorm.DB) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := Migrate(db.WithContext(ctx)); err != nil {
				zap.L().Error("failed to migrate subscription schema", zap.Error(err))
				return err
			}
			return nil
		},
	})
}

type routeParams struct {
	fx.In
	API     *gin.RouterGroup `name:"api"`
	Handler *Handler
}

func registerRoutes(p routeParams) {
	p.Handler.Register(p.API)
}
