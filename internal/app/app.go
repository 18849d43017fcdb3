// Package app boots the wallet service: storage, engine wiring, background
// jobs, and the HTTP listener.
package app

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"sync"
	"time"

	"github.com/inkfable/tokenledger/internal/authz"
	"github.com/inkfable/tokenledger/internal/config"
	"github.com/inkfable/tokenledger/internal/db"
	"github.com/inkfable/tokenledger/internal/events"
	internalhttp "github.com/inkfable/tokenledger/internal/http"
	"github.com/inkfable/tokenledger/internal/jobs"
	"github.com/inkfable/tokenledger/internal/ledger"
	"github.com/inkfable/tokenledger/internal/logging"
	"github.com/inkfable/tokenledger/internal/pricebook"
	"github.com/inkfable/tokenledger/internal/promo"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, configPath string) error {
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	logging.Setup(cfg.Log)
	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// RunServer boots the full service and blocks until ctx is cancelled, then
// shuts the listener down gracefully.
func RunServer(ctx context.Context, configPath string) error {
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	logging.Setup(cfg.Log)

	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	components, errBuild := buildComponents(conn, cfg)
	if errBuild != nil {
		return errBuild
	}

	publisher, errPublisher := buildPublisher(ctx, cfg)
	if errPublisher != nil {
		return errPublisher
	}
	defer func() {
		if errClose := publisher.Close(); errClose != nil {
			log.WithError(errClose).Warn("close event publisher")
		}
	}()

	jobCtx, cancelJobs := context.WithCancel(ctx)
	defer cancelJobs()

	var wg sync.WaitGroup
	runJob := func(run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(jobCtx)
		}()
	}
	runJob(jobs.NewOutboxSender(conn, publisher, cfg.Ledger.OutboxSendInterval, 0).Run)
	runJob(jobs.NewHoldSweeper(components.engine, cfg.Ledger.HoldSweepInterval).Run)
	runJob(jobs.NewPromoSweeper(components.scheduler, cfg.Ledger.PromoSweepInterval, 0).Run)

	router := internalhttp.NewRouter(internalhttp.RouterDeps{
		DB:        conn,
		Ledger:    components.ledger,
		Engine:    components.engine,
		Promo:     components.scheduler,
		JWTSecret: cfg.Auth.JWTSecret,
	})
	server := &nethttp.Server{
		Addr:    cfg.Server.Addr(),
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("wallet service listening")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		cancelJobs()
		wg.Wait()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		log.WithError(errShutdown).Warn("http shutdown")
	}
	if err := <-serveErr; err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		log.WithError(err).Warn("http server exited with error")
	}

	cancelJobs()
	wg.Wait()
	log.Info("wallet service stopped")
	return nil
}

// SweepHolds runs one hold-expiry pass and exits.
func SweepHolds(ctx context.Context, configPath string) error {
	components, errBuild := openComponents(configPath)
	if errBuild != nil {
		return errBuild
	}
	count, errSweep := components.engine.ExpireOldAuthorizations(ctx, time.Now().UTC())
	if errSweep != nil {
		return errSweep
	}
	log.WithField("count", count).Info("hold sweep finished")
	return nil
}

// SweepPromo runs one promo decay pass and exits.
func SweepPromo(ctx context.Context, configPath string) error {
	components, errBuild := openComponents(configPath)
	if errBuild != nil {
		return errBuild
	}
	result, errSweep := components.scheduler.ProcessExpiries(ctx, time.Now().UTC(), 0)
	if errSweep != nil {
		return errSweep
	}
	log.WithFields(log.Fields{
		"schedules":      result.Processed,
		"tokens_expired": result.TokensExpired,
	}).Info("promo sweep finished")
	return nil
}

// PreviewPromo reports what a promo decay pass would expire right now,
// without settling anything.
func PreviewPromo(ctx context.Context, configPath string) error {
	components, errBuild := openComponents(configPath)
	if errBuild != nil {
		return errBuild
	}
	items, errPreview := components.scheduler.PreviewExpiries(ctx, time.Now().UTC())
	if errPreview != nil {
		return errPreview
	}
	var total int64
	for _, item := range items {
		total += item.WouldExpire
		log.WithFields(log.Fields{
			"schedule_id":  item.ScheduleID,
			"user_id":      item.UserID,
			"expiry_at":    item.ExpiryAt,
			"remaining":    item.AmountRemaining,
			"would_expire": item.WouldExpire,
		}).Info("due promo schedule")
	}
	log.WithFields(log.Fields{
		"schedules":    len(items),
		"would_expire": total,
	}).Info("promo preview finished")
	return nil
}

// components groups the engine wiring shared by serve and the sweep
// subcommands.
type components struct {
	ledger    *ledger.Service
	engine    *authz.Engine
	scheduler *promo.Scheduler
}

func buildComponents(conn *gorm.DB, cfg *config.Config) (*components, error) {
	prices, errPrices := pricebook.NewStatic(cfg.Pricebook)
	if errPrices != nil {
		return nil, errPrices
	}
	ledgerSvc := ledger.NewService(conn, cfg.Ledger.PromoDecay)
	return &components{
		ledger:    ledgerSvc,
		engine:    authz.NewEngine(conn, ledgerSvc, prices, cfg.Ledger.HoldTTL),
		scheduler: promo.NewScheduler(conn, ledgerSvc),
	}, nil
}

func openComponents(configPath string) (*components, error) {
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return nil, errLoad
	}
	logging.Setup(cfg.Log)
	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return nil, errOpen
	}
	return buildComponents(conn, cfg)
}

// buildPublisher picks the configured event sink: Kafka when brokers are
// set, otherwise Redis when an address is set, otherwise the process log.
func buildPublisher(ctx context.Context, cfg *config.Config) (events.Publisher, error) {
	if len(cfg.Kafka.Brokers) > 0 {
		publisher, errKafka := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if errKafka != nil {
			return nil, errKafka
		}
		log.WithField("topic", cfg.Kafka.Topic).Info("publishing events to kafka")
		return publisher, nil
	}
	if cfg.Redis.Addr != "" {
		publisher, errRedis := events.NewRedisPublisher(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Channel)
		if errRedis != nil {
			return nil, errRedis
		}
		log.WithField("channel", cfg.Redis.Channel).Info("publishing events to redis")
		return publisher, nil
	}
	return events.NewLogPublisher(), nil
}
