package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/intearnear/oraclebroker/internal/broker"
	"github.com/intearnear/oraclebroker/internal/common/logging"
	"github.com/intearnear/oraclebroker/internal/config"
	"github.com/intearnear/oraclebroker/internal/continuation"
	"github.com/intearnear/oraclebroker/internal/events"
	"github.com/intearnear/oraclebroker/internal/eventbus"
	"github.com/intearnear/oraclebroker/internal/fees"
	"github.com/intearnear/oraclebroker/internal/ftreceiver"
	"github.com/intearnear/oraclebroker/internal/ledger"
	brokermetrics "github.com/intearnear/oraclebroker/internal/metrics"
	"github.com/intearnear/oraclebroker/internal/registry"
	"github.com/intearnear/oraclebroker/internal/storage"
	"github.com/intearnear/oraclebroker/internal/transport"
	"github.com/jonboulle/clockwork"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the broker's HTTP/JSON transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "path to a YAML/JSON/TOML config file")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", cfg.LogLevel, err)
	}
	logger := logging.NewLogger(level, cfg.LogPretty)

	db, err := storage.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	producers := storage.NewProducerStorage(db, logging.Component(logger, "producer_storage"))
	consumers := storage.NewConsumerStorage(db, logging.Component(logger, "consumer_storage"))

	var sink events.Sink = &logOnlySink{logger: logging.Component(logger, "events")}
	var bus *eventbus.Bus
	if cfg.EnableGossip {
		p2pHost, err := libp2p.New()
		if err != nil {
			return fmt.Errorf("start libp2p host: %w", err)
		}
		defer p2pHost.Close()
		bus, err = eventbus.New(ctx, p2pHost, logging.Component(logger, "eventbus"))
		if err != nil {
			return fmt.Errorf("start eventbus: %w", err)
		}
		defer bus.Close()
		sink = bus
		logger.Info().Str("peerId", p2pHost.ID().String()).Msg("gossip event bus joined")
	}
	emitter := events.New(sink)

	producerRegistry := registry.NewProducerRegistry(producers, emitter, logging.Component(logger, "producer_registry"))
	consumerRegistry := registry.NewConsumerRegistry(consumers)

	ledgerImpl := ledger.New(db, producers, consumers, &logOnlyTransferer{logger: logging.Component(logger, "native_transfer")}, &logOnlyFtTransferer{logger: logging.Component(logger, "ft_transfer")}, logging.Component(logger, "ledger"))
	feeEngine := fees.New()
	ftReceiver := ftreceiver.New(ledgerImpl, logging.Component(logger, "ft_receiver"))

	clock := clockwork.NewRealClock()
	host := continuation.NewHost(clock, cfg.SweepInterval, logging.Component(logger, "continuation_host"))

	dispatcher := &logOnlyDispatcher{logger: logging.Component(logger, "dispatcher")}
	b := broker.New(db, producers, consumers, ledgerImpl, feeEngine, producerRegistry, consumerRegistry, emitter, host, ftReceiver, dispatcher, clock, logging.Component(logger, "broker"))

	meterProvider := sdkmetric.NewMeterProvider()
	defer meterProvider.Shutdown(ctx)
	brokerMetrics, err := brokermetrics.New(meterProvider.Meter("oraclebroker"))
	if err != nil {
		return fmt.Errorf("build metrics: %w", err)
	}
	b.SetMetrics(brokerMetrics)

	server := transport.NewServer(b, logging.Component(logger, "http"))
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: server.Handler()}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		host.Run(gCtx)
		return nil
	})
	if bus != nil {
		g.Go(func() error {
			bus.Listen(gCtx, func(envelope events.Envelope) {
				logger.Info().Str("event", envelope.Event).Str("from", "peer").Msg("gossiped event received")
			})
			return nil
		})
	}
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("broker listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		host.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
