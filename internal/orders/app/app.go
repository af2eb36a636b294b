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

	"gokart/internal/orders/config"
	"gokart/internal/orders/httpapi"
	"gokart/internal/orders/inventory"
	"gokart/internal/orders/order"
	"gokart/internal/orders/websocket"
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
	orders    *order.Service
	hub       *websocket.Hub
	publisher messaging.Publisher
	consumer  messaging.Consumer
	outbox    *messaging.OutboxDispatcher
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

	hub := websocket.NewHub()
	ledger := inventory.NewClient(cfg.ProductsBaseURL)
	orders := order.NewService(order.NewPgStore(store.Pool()), ledger, publisher, cfg.OutboxEnabled, hub, logger)

	var outbox *messaging.OutboxDispatcher
	if cfg.OutboxEnabled {
		outbox = messaging.NewOutboxDispatcher(
			messaging.NewPgOutboxStore(store.Pool(), "order_outbox"),
			publisher, cfg.OutboxInterval, cfg.OutboxBatch, logger)
	}

	ws := websocket.NewHandler(hub, orders)
	api := httpapi.NewServer(orders, ws, logger)
	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api,
	}

	return &App{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		orders:    orders,
		hub:       hub,
		publisher: publisher,
		consumer:  consumer,
		outbox:    outbox,
		httpSrv:   httpSrv,
	}, nil
}

func connectBroker(cfg config.Config, logger *slog.Logger) (messaging.Publisher, messaging.Consumer, error) {
	switch cfg.Broker {
	case "kafka":
		publisher := messaging.NewKafkaPublisher(cfg.KafkaBrokers, contracts.OrderEventsStream)
		consumer := messaging.NewKafkaConsumer(cfg.KafkaBrokers, contracts.PaymentEventsStream, cfg.ConsumerGroup, logger)
		return publisher, consumer, nil
	case "rabbit":
		publisher, err := messaging.NewRabbitPublisher(cfg.RabbitURL, contracts.OrderEventsStream)
		if err != nil {
			return nil, nil, err
		}
		consumer, err := messaging.NewRabbitConsumer(cfg.RabbitURL, contracts.PaymentEventsStream, cfg.ConsumerGroup, logger)
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

	go a.hub.Run(ctx)
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}

	errCh := make(chan error, 2)

	go func() {
		errCh <- a.consumer.Start(ctx, a.handlePaymentEvent)
	}()

	go func() {
		a.logger.Info("orders http server listening", "addr", a.cfg.HTTPAddr)
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

func (a *App) handlePaymentEvent(ctx context.Context, msg messaging.Message) error {
	var env contracts.Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		return fmt.Errorf("decode event envelope: %w", err)
	}

	switch env.EventType {
	case contracts.EventPaymentSuccess, contracts.EventPaymentFailed:
		var evt contracts.PaymentResultEvent
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			return fmt.Errorf("decode %s: %w", env.EventType, err)
		}
		return a.orders.ApplyPaymentResult(ctx, evt)
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
