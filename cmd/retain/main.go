package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/smallbiznis/retain/internal/clock"
	"github.com/smallbiznis/retain/internal/config"
	"github.com/smallbiznis/retain/internal/drift"
	"github.com/smallbiznis/retain/internal/event"
	eventdomain "github.com/smallbiznis/retain/internal/event/domain"
	"github.com/smallbiznis/retain/internal/feature"
	"github.com/smallbiznis/retain/internal/jobs"
	"github.com/smallbiznis/retain/internal/observability"
	"github.com/smallbiznis/retain/internal/serving"
	"github.com/smallbiznis/retain/internal/store/offline"
	"github.com/smallbiznis/retain/internal/store/online"
	"github.com/smallbiznis/retain/internal/syncer"
	"github.com/smallbiznis/retain/pkg/db"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		event.Module,
		feature.Module,
		offline.Module,
		online.Module,
		syncer.Module,
		drift.Module,
		serving.Module,
		jobs.Module,

		fx.Invoke(AutoMigrate),
		fx.Invoke(StartScheduler),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&eventdomain.User{},
		&eventdomain.ActivityEvent{},
		&eventdomain.BillingEvent{},
		&offline.Record{},
		&drift.VerdictRecord{},
	)
}

func StartScheduler(lc fx.Lifecycle, s *jobs.Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go s.RunForever(context.Background())
			return nil
		},
	})
}
