// Command loanbus runs the loan-servicing message consumers together with
// the outbox relay, queue monitor, scheduler and operator endpoints.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/overtonx/loanbus"
	"github.com/overtonx/loanbus/broker/amqpbroker"
	"github.com/overtonx/loanbus/config"
	"github.com/overtonx/loanbus/consumer"
	"github.com/overtonx/loanbus/embedded"
	"github.com/overtonx/loanbus/idempotency"
	"github.com/overtonx/loanbus/monitor"
	"github.com/overtonx/loanbus/outbox"
	"github.com/overtonx/loanbus/payment"
	"github.com/overtonx/loanbus/scheduler"
	"github.com/overtonx/loanbus/storage"
	"github.com/overtonx/loanbus/storage/sqlstore"
	"github.com/overtonx/loanbus/topology"
	"github.com/overtonx/loanbus/verification"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "loanbus:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialect := cfg.Dialect()
	db, err := sql.Open(dialect.DriverName(), cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	store := sqlstore.NewSQLStore(db, dialect, logger)
	if cfg.Database.EnsureSchema {
		if err := store.EnsureTables(ctx); err != nil {
			return err
		}
	}
	txm := storage.NewTxManager(db, dialect)

	metrics, metricsHandler := newMetrics(cfg)

	topo := topology.DefaultTopology()
	if cfg.TopologyFile != "" {
		if topo, err = topology.LoadFile(cfg.TopologyFile); err != nil {
			return err
		}
	}

	amqp, err := amqpbroker.Dial(cfg.AMQP.URL, amqpbroker.WithLogger(logger))
	if err != nil {
		return err
	}
	defer amqp.Close()
	if err := topology.Declare(ctx, amqp, topo); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}

	writer := outbox.NewWriter(store, outbox.WithWriterLogger(logger), outbox.WithWriterMetrics(metrics))
	payments := payment.NewService(payment.NewSQLRepository(txm), txm, writer,
		payment.WithWaterfall(cfg.Waterfall),
		payment.WithLogger(logger),
		payment.WithMetrics(metrics),
	)
	vendorClient := verification.NewClient(cfg.VendorEndpoints(),
		verification.WithTimeout(cfg.Vendors.Timeout),
		verification.WithClientLogger(logger),
	)
	vendors := verification.NewService(vendorClient, txm, writer,
		verification.WithGuardConfig(cfg.GuardConfig()),
		verification.WithLogger(logger),
		verification.WithMetrics(metrics),
	)

	consumerOpts := []consumer.Option{
		consumer.WithTopology(topo),
		consumer.WithPrefetch(cfg.Prefetch),
		consumer.WithLogger(logger),
		consumer.WithMetrics(metrics),
	}
	if cfg.Redis.Addr != "" {
		client, err := idempotency.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer client.Close()
		consumerOpts = append(consumerOpts, consumer.WithCache(idempotency.NewRedisCache(client, cfg.Redis.TTL)))
	}
	deps := consumer.Deps{Broker: amqp, Transactor: txm, Ledger: idempotency.NewSQLLedger(txm, logger)}

	// A consumer that exhausts its restarts shuts the process down so the
	// orchestrator replaces it.
	consumerFailed := make(chan error, 1)
	consumerOpts = append(consumerOpts, consumer.WithGiveUpHandler(func(err error) {
		select {
		case consumerFailed <- err:
		default:
		}
		stop()
	}))

	dispatcher := loanbus.NewDispatcher(logger)
	routes := []struct {
		queue     string
		handle    consumer.Handler
		onFailure consumer.FailureHandler
	}{
		{topology.QueueName("payments", "allocate", 1), payments.Handle, payments.OnFinalFailure},
		{topology.QueueName("vendor", "verify", 1), vendors.Handle, vendors.OnFinalFailure},
	}
	consumed := make([]string, 0, len(routes)+len(cfg.ExternalQueues))
	for _, route := range routes {
		q, ok := topo.Queue(route.queue)
		if !ok {
			return fmt.Errorf("topology has no queue %s", route.queue)
		}
		opts := append([]consumer.Option{consumer.WithFailureHandler(route.onFailure)}, consumerOpts...)
		rt, err := consumer.New(q, route.handle, deps, opts...)
		if err != nil {
			return err
		}
		dispatcher.Add(rt)
		consumed = append(consumed, q.Name)
	}
	for _, name := range cfg.ExternalQueues {
		if _, ok := topo.Queue(name); !ok {
			return fmt.Errorf("external queue %s is not in the topology", name)
		}
		consumed = append(consumed, name)
	}

	publisher, err := newRelayPublisher(ctx, cfg, amqp, topo, logger)
	if err != nil {
		return err
	}
	relay := outbox.NewRelay(store, publisher,
		outbox.WithLogger(logger),
		outbox.WithMetrics(metrics),
		outbox.WithBatchSize(cfg.Relay.BatchSize),
		outbox.WithMaxAttempts(cfg.Relay.MaxAttempts),
	)
	defer relay.Close()
	dispatcher.Add(relay.Workers(cfg.RelayIntervals())...)

	var source monitor.StatsSource = amqp
	if cfg.AMQP.ManagementURL != "" {
		source = monitor.NewManagementAPI(cfg.AMQP.ManagementURL, cfg.AMQP.VHost, cfg.AMQP.ManagementUser, cfg.AMQP.ManagementPassword, nil)
	}
	queues := monitor.New(source, topo,
		monitor.WithBacklogThreshold(cfg.Monitor.BacklogThreshold),
		monitor.WithConsumedQueues(consumed...),
		monitor.WithLogger(logger),
		monitor.WithMetrics(metrics),
	)
	dispatcher.Add(queues.Worker(cfg.Monitor.Interval))

	sched := scheduler.New(db, dialect, amqp,
		scheduler.WithExchange(topo.CommandExchange),
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(metrics),
	)
	for _, task := range etlTasks(cfg.Scheduler, consumed, logger) {
		if err := sched.Register(ctx, task); err != nil {
			return err
		}
	}
	dispatcher.Add(sched.Worker(cfg.Scheduler.Interval))

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: newRouter(ops{
			metrics:  metricsHandler,
			queues:   queues,
			ping:     db.PingContext,
			breakers: vendors.Breakers,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Ops server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Ops server failed", zap.Error(err))
			stop()
		}
	}()

	dispatcher.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Ops server shutdown", zap.Error(err))
	}
	select {
	case err := <-consumerFailed:
		return fmt.Errorf("consumer stopped: %w", err)
	default:
	}
	logger.Info("loanbus stopped")
	return nil
}

// etlTasks returns one recurring etl.run task per configured tenant, or none
// when nothing consumes the etl queue.
func etlTasks(cfg config.SchedulerConfig, consumed []string, logger *zap.Logger) []scheduler.Task {
	if len(cfg.ETLTenants) == 0 {
		return nil
	}
	queue := topology.QueueName("etl", "run", 1)
	if !slices.Contains(consumed, queue) {
		logger.Warn("ETL tenants configured but no consumer for the etl queue, not scheduling",
			zap.String("queue", queue),
			zap.Strings("tenants", cfg.ETLTenants),
		)
		return nil
	}
	tasks := make([]scheduler.Task, 0, len(cfg.ETLTenants))
	for _, tenant := range cfg.ETLTenants {
		tasks = append(tasks, scheduler.Task{
			Name:     "etl-run-" + tenant,
			TenantID: tenant,
			Action:   "etl.run",
			Interval: cfg.ETLInterval,
		})
	}
	return tasks
}

func newMetrics(cfg *config.Config) (embedded.MetricsCollector, http.Handler) {
	switch cfg.Metrics.Backend {
	case "otel":
		return loanbus.NewOpenTelemetryMetricsCollector(), http.NotFoundHandler()
	case "none":
		return loanbus.NewNopMetricsCollector(), http.NotFoundHandler()
	default:
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		return loanbus.NewPrometheusMetricsCollector(cfg.Metrics.Namespace, reg), promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
}

func newRelayPublisher(ctx context.Context, cfg *config.Config, amqp *amqpbroker.Broker, topo *topology.Topology, logger *zap.Logger) (outbox.Publisher, error) {
	switch cfg.Relay.Publisher {
	case config.PublisherKafka:
		return outbox.NewKafkaPublisher(logger,
			outbox.WithKafkaProducerProps(kafka.ConfigMap{
				"bootstrap.servers":  strings.Join(cfg.Relay.KafkaBrokers, ","),
				"enable.idempotence": true,
				"acks":               "all",
			}),
			outbox.WithKafkaDefaultTopic(cfg.Relay.KafkaTopic),
		)
	case config.PublisherJetStream:
		return outbox.ConnectJetStream(ctx, cfg.Relay.NATSURL, cfg.Relay.NATSStream, "", logger)
	case config.PublisherNone:
		return outbox.NewNopPublisher(), nil
	default:
		return outbox.NewBrokerPublisher(amqp, topo.EventExchange, logger), nil
	}
}
