package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/xaenox/claimbot/internal/bot"
	"github.com/xaenox/claimbot/internal/governor"
	"github.com/xaenox/claimbot/internal/models"
	"github.com/xaenox/claimbot/internal/monitor"
	"github.com/xaenox/claimbot/internal/notify"
	"github.com/xaenox/claimbot/internal/ocr"
	"github.com/xaenox/claimbot/internal/storage"
	"github.com/xaenox/claimbot/pkg/config"
)

const feedBuffer = 64

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start watching chats and run every configured monitor",
	RunE:  runBot,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file and compile every monitor without connecting",
	RunE:  checkConfig,
}

func runBot(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(storageConfig(cfg.Database))
	if err != nil {
		logger.Error("Failed to initialize storage", zap.Error(err), zap.String("driver", cfg.Database.Driver))
		return err
	}
	defer store.Close()
	logger.Info("Using storage", zap.String("driver", cfg.Database.Driver))

	b, err := bot.New(cfg.Telegram.Token, store, bot.Options{
		HistorySize: cfg.Telegram.HistorySize,
		PollTimeout: cfg.Telegram.PollTimeout,
		AdminChatID: cfg.Notify.ChatID,
	}, logger)
	if err != nil {
		logger.Error("Failed to create bot", zap.Error(err))
		return err
	}

	var recognizer ocr.Recognizer
	if cfg.OpenAI.APIKey != "" {
		recognizer = ocr.NewOpenAIRecognizer(ocr.OpenAIConfig{
			APIKey:    cfg.OpenAI.APIKey,
			BaseURL:   cfg.OpenAI.BaseURL,
			Model:     cfg.OpenAI.Model,
			MaxTokens: cfg.OpenAI.MaxTokens,
			Timeout:   cfg.OpenAI.Timeout,
			Prompt:    cfg.OpenAI.Prompt,
		}, logger)
	}

	var dedup func(name string, ttl time.Duration) governor.DedupStore
	if cfg.Valkey.Address != "" {
		client, err := valkey.NewClient(valkey.ClientOption{
			InitAddress: []string{cfg.Valkey.Address},
			Username:    cfg.Valkey.Username,
			Password:    cfg.Valkey.Password,
			SelectDB:    cfg.Valkey.DB,
		})
		if err != nil {
			logger.Error("Failed to connect to valkey", zap.Error(err), zap.String("address", cfg.Valkey.Address))
			return err
		}
		defer client.Close()
		dedup = func(name string, ttl time.Duration) governor.DedupStore {
			return governor.NewValkeyDedup(client, cfg.Valkey.Prefix+":"+name, ttl)
		}
		logger.Info("Using valkey dedup store", zap.String("address", cfg.Valkey.Address))
	}

	sinks := notify.Multi{notify.NewLog(logger)}
	if cfg.Notify.Store {
		sinks = append(sinks, notify.NewStore(store))
	}
	if cfg.Notify.ChatID != 0 {
		sinks = append(sinks, notify.NewTelegram(b.API(), cfg.Notify.ChatID))
	}

	monitors, err := buildMonitors(cfg, monitor.Deps{
		Client:     b,
		Notifier:   sinks,
		Recognizer: recognizer,
		Logger:     logger,
	}, dedup)
	if err != nil {
		logger.Error("Failed to build monitors", zap.Error(err))
		return err
	}

	var wg conc.WaitGroup
	feeds := make([]chan *models.Event, len(monitors))
	for i, m := range monitors {
		feed := make(chan *models.Event, feedBuffer)
		feeds[i] = feed
		wg.Go(func() {
			if err := m.Run(ctx, feed); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Monitor stopped", zap.Error(err), zap.String("monitor", m.Name()))
			}
		})
		logger.Info("Monitor started", zap.String("monitor", m.Name()))
	}

	err = b.Listen(ctx, func(ev *models.Event) {
		for _, feed := range feeds {
			select {
			case feed <- ev:
			case <-ctx.Done():
				return
			}
		}
	})
	for _, feed := range feeds {
		close(feed)
	}
	wg.Wait()
	logger.Info("Shut down")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func checkConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	// The client is never called while compiling
	client := bot.NewWithAPI(nil, 0, nil, bot.Options{}, zap.NewNop())
	monitors, err := buildMonitors(cfg, monitor.Deps{Client: client, Logger: zap.NewNop()}, nil)
	if err != nil {
		return err
	}
	for _, m := range monitors {
		fmt.Fprintf(cmd.OutOrStdout(), "ok  %s\n", m.Name())
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d monitors compiled\n", len(monitors))
	return nil
}
