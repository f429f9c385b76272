package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/blukai/bigbattle/internal/battleclient"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

type Config struct {
	ServerAddr    string        `envconfig:"SERVER_ADDR" required:"true" default:"127.0.0.1:9009"`
	TickInterval  time.Duration `envconfig:"TICK_INTERVAL" default:"16ms"`
	HelloInterval time.Duration `envconfig:"HELLO_INTERVAL" default:"1s"`
	LogLevel      string        `envconfig:"LOG_LEVEL" default:"info"`
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

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	clientConfig := battleclient.DefaultConfig()
	clientConfig.TickInterval = config.TickInterval

	battleClient, err := battleclient.New("udp4", config.ServerAddr, clientConfig, logger, nil)
	if err != nil {
		return fmt.Errorf("could not construct battle client: %w", err)
	}
	logger.Info().Msgf("talking to battle server on %s", config.ServerAddr)

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(1)
	var battleClientRunErr error
	go func() {
		defer wg.Done()
		battleClientRunErr = battleClient.Run(ctx)
		cancel()
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	hello := time.NewTicker(config.HelloInterval)
	defer hello.Stop()
	drain := time.NewTicker(config.TickInterval)
	defer drain.Stop()

	userDisconnected := false

loop:
	for {
		select {
		case sig := <-signalChan:
			logger.Info().Msgf("received %+v signal", sig)
			if err := battleClient.Disconnect(); err != nil {
				logger.Error().Msgf("could not disconnect: %v", err)
			}
			userDisconnected = true
			break loop
		case <-ctx.Done():
			break loop
		case <-hello.C:
			if err := battleClient.Send([]byte("hello from " + hostname)); err != nil {
				logger.Error().Msgf("could not send hello: %v", err)
			}
		case <-drain.C:
			for {
				packet, ok := battleClient.Recv()
				if !ok {
					break
				}
				logger.Info().Msgf("got %q", packet)
			}
		}
	}

	cancel()
	wg.Wait()
	if userDisconnected && errors.Is(battleClientRunErr, battleclient.ErrDisconnected) {
		return nil
	}
	if battleClientRunErr != nil {
		return fmt.Errorf("battle client run failed: %w", battleClientRunErr)
	}

	return nil
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
