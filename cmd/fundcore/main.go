package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"relieffund-core/internal/httpapi"
	"relieffund-core/internal/server"
	"relieffund-core/pkg/config"
	"relieffund-core/pkg/db"
	"relieffund-core/pkg/health"
	"relieffund-core/pkg/logger"
	"relieffund-core/pkg/redis"
	"relieffund-core/pkg/task"
	"relieffund-core/services/allocation"
	"relieffund-core/services/application"
	"relieffund-core/services/cashout"
	"relieffund-core/services/spending"
	"relieffund-core/services/transaction"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		task.Server,
		health.Module,
		fx.Provide(
			provideTracerProvider,
			provideSnowflakeNode,
			server.ProvideGRPCServer,
			server.ProvideHTTPServer,
		),
		httpapi.Module,
		transaction.Module,
		allocation.Module,
		application.Module,
		spending.Module,
		cashout.Module,
		fx.Invoke(migrate, registerDBTelemetry, server.Run, server.StartGRPCServer),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideTracerProvider() trace.TracerProvider {
	return otel.GetTracerProvider()
}

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func registerDBTelemetry(gdb *gorm.DB, cfg *config.Config) error {
	if err := db.Otel(gdb); err != nil {
		return err
	}
	return db.Metric(gdb, cfg.Database.DBName)
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&application.Application{},
		&allocation.Account{},
		&allocation.CategoryBudget{},
		&allocation.Reservation{},
		&spending.Request{},
		&cashout.Request{},
		&transaction.Entry{},
	)
}
