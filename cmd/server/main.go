package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/blukai/bigbattle/internal/battleserver"
	"github.com/blukai/bigbattle/internal/metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

type Config struct {
	ServerAddr4     string        `envconfig:"SERVER_ADDR4" required:"true" default:"0.0.0.0:9009"`
	TickInterval    time.Duration `envconfig:"TICK_INTERVAL" default:"16ms"`
	PeerIdleTimeout time.Duration `envconfig:"PEER_IDLE_TIMEOUT" default:"30s"`
	MetricsAddr     string        `envconfig:"METRICS_ADDR"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("BATTLE", config); err != nil {
		return nil, err
	}
	return config, nil
}

func configureLogger(level string) *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Level = log.ParseLevel(level)
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger(config.LogLevel)
	m := metrics.New()

	serverConfig := battleserver.DefaultConfig()
	serverConfig.TickInterval = config.TickInterval
	serverConfig.PeerIdleTimeout = config.PeerIdleTimeout

	battleServer, err := battleserver.New("udp4", config.ServerAddr4, serverConfig,
		battleserver.EchoHandler, logger, m)
	if err != nil {
		return fmt.Errorf("could not construct battle server: %w", err)
	}
	logger.Info().Msgf("started battle server on %s", battleServer.Addr())

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(1)
	var battleServerRunErr error
	go func() {
		defer wg.Done()
		battleServerRunErr = battleServer.Run(ctx)
		// a dead server takes the process down with it
		cancel()
	}()

	var metricsServer *http.Server
	var metricsServerErr error
	if config.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              config.MetricsAddr,
			Handler:           m.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		logger.Info().Msgf("serving metrics on %s", config.MetricsAddr)

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := metricsServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				metricsServerErr = err
				cancel()
			}
		}()
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-signalChan:
		logger.Info().Msgf("received %+v signal", sig)
	case <-ctx.Done():
	}

	cancel()
	var errs error
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("could not shut down metrics server: %w", err))
		}
	}
	wg.Wait()

	if battleServerRunErr != nil {
		errs = multierror.Append(errs, fmt.Errorf("battle server run failed: %w", battleServerRunErr))
	}
	if metricsServerErr != nil {
		errs = multierror.Append(errs, fmt.Errorf("metrics server failed: %w", metricsServerErr))
	}

	return errs
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
