package app

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"gokart/internal/payments/config"
	"gokart/internal/payments/gateway"
	"gokart/internal/payments/httpapi"
	"gokart/internal/payments/payment"
	"gokart/internal/storage"
	"gokart/pkg/contracts"
	"gokart/pkg/messaging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type App struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *storage.Store
	processor *payment.Processor
	publisher messaging.Publisher
	consumer  messaging.Consumer
	httpSrv   *http.Server
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}

	store, err := storage.New(ctx, cfg.DatabaseURL, migrations)
	if err != nil {
		return nil, err
	}

	publisher, consumer, err := connectBroker(cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	gw := &gateway.Simulated{
		ApprovalRate: cfg.GatewayApprovalRate,
		Latency:      cfg.GatewayLatency,
	}
	processor := payment.NewProcessor(payment.NewPgStore(store.Pool()), gw, publisher, cfg.AuthTimeout, logger)

	api := httpapi.NewServer(processor, logger)
	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api,
	}

	return &App{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		processor: processor,
		publisher: publisher,
		consumer:  consumer,
		httpSrv:   httpSrv,
	}, nil
}

func connectBroker(cfg config.Config, logger *slog.Logger) (messaging.Publisher, messaging.Consumer, error) {
	switch cfg.Broker {
	case "kafka":
		publisher := messaging.NewKafkaPublisher(cfg.KafkaBrokers, contracts.PaymentEventsStream)
		consumer := messaging.NewKafkaConsumer(cfg.KafkaBrokers, contracts.OrderEventsStream, cfg.ConsumerGroup, logger)
		return publisher, consumer, nil
	case "rabbit":
		publisher, err := messaging.NewRabbitPublisher(cfg.RabbitURL, contracts.PaymentEventsStream)
		if err != nil {
			return nil, nil, err
		}
		consumer, err := messaging.NewRabbitConsumer(cfg.RabbitURL, contracts.OrderEventsStream, cfg.ConsumerGroup, logger)
		if err != nil {
			publisher.Close()
			return nil, nil, err
		}
		return publisher, consumer, nil
	default:
		return nil, nil, fmt.Errorf("unknown broker %q", cfg.Broker)
	}
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	go func() {
		errCh <- a.consumer.Start(ctx, a.handleOrderEvent)
	}()

	go func() {
		a.logger.Info("payments http server listening", "addr", a.cfg.HTTPAddr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownGracePeriod)
	defer cancel()
	_ = a.httpSrv.Shutdown(shutdownCtx)
	_ = a.consumer.Close()
	_ = a.publisher.Close()
	a.store.Close()
}

func (a *App) handleOrderEvent(ctx context.Context, msg messaging.Message) error {
	var env contracts.Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		return fmt.Errorf("decode event envelope: %w", err)
	}

	switch env.EventType {
	case contracts.EventOrderCreated:
		var evt contracts.OrderCreatedEvent
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			return fmt.Errorf("decode ORDER_CREATED: %w", err)
		}
		return a.processor.HandleOrderCreated(ctx, evt)
	case contracts.EventOrderCancelled:
		// Cancellation compensates inventory on the orders side; nothing to
		// do here.
		return nil
	default:
		a.logger.Debug("ignoring unknown event type", "event_type", env.EventType)
		return nil
	}
}

func Run() error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer app.Close(ctx)

	return app.Run(ctx)
}
