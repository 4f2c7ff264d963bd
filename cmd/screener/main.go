package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/arrow767/hyper-screener/internal/alert"
	"github.com/arrow767/hyper-screener/internal/anchor"
	"github.com/arrow767/hyper-screener/internal/config"
	"github.com/arrow767/hyper-screener/internal/detector"
	"github.com/arrow767/hyper-screener/internal/exchange"
	"github.com/arrow767/hyper-screener/internal/execution"
	"github.com/arrow767/hyper-screener/internal/feed"
	"github.com/arrow767/hyper-screener/internal/listing"
	"github.com/arrow767/hyper-screener/internal/natr"
	"github.com/arrow767/hyper-screener/internal/policy"
	"github.com/arrow767/hyper-screener/internal/storage"
	"github.com/arrow767/hyper-screener/internal/tradelog"
	"github.com/arrow767/hyper-screener/internal/trading"
	"github.com/arrow767/hyper-screener/pkg/logger"
	"github.com/arrow767/hyper-screener/pkg/models"
)

func main() {
	// Обработка флагов командной строки
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	flag.Parse()

	// Проверяем наличие файла конфигурации
	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "файл конфигурации не найден: %s\n", *configPath)
		os.Exit(1)
	}

	// Загружаем конфигурацию
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Logging.Dir, cfg.Logging.Level)
	defer logger.GetLogger().Sync()
	logger.Info("Запуск hyper-screener", zap.String("config", *configPath),
		zap.String("mode", string(cfg.Trading.Mode)), zap.String("venue", string(cfg.Trading.Venue)))

	// Создаем контекст с возможностью отмены через горутину
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Переопределения порога детектора по монетам
	overrides, err := config.ParseCoinOverrides(cfg.Screener.CoinOverrides)
	if err != nil {
		logger.Fatal("Ошибка разбора переопределений порога", zap.Error(err))
	}

	// Инициализируем хранилище истории (опционально)
	var store storage.Storage
	if cfg.Storage.URL != "" {
		influx, err := storage.NewInfluxDBStorage(cfg.Storage)
		if err != nil {
			logger.Fatal("Ошибка инициализации хранилища", zap.Error(err))
		}
		store = influx
		defer store.Close()
	}

	// Инициализируем клиенты бирж
	hyper := exchange.NewHyperliquidClient(cfg.Hyperliquid)
	binance, err := exchange.NewBinanceClient(cfg.Binance)
	if err != nil {
		logger.Fatal("Ошибка инициализации клиента Binance", zap.Error(err))
	}

	// Исполнитель ордеров
	exec, err := execution.NewEngine(cfg.Trading, binance)
	if err != nil {
		logger.Fatal("Ошибка инициализации исполнителя", zap.Error(err))
	}

	// Сверка позиций на бирже при старте: чужие позиции не трогаем
	if foreign, err := exec.SyncOpenPositions(ctx); err != nil {
		logger.Warn("Не удалось сверить позиции при старте", zap.Error(err))
	} else if len(foreign) > 0 {
		logger.Warn("Позиции вне модуля оставлены как есть", zap.Strings("symbols", foreign))
	}

	// Аналитические компоненты
	calc := natr.NewCalculator(cfg.Trading.NatrPeriod)
	features := policy.NewFeatures()
	memory := anchor.NewMemory(cfg.Policy.AnchorMemoryFile)

	var rules *policy.Engine
	if cfg.Policy.Enabled {
		rules = policy.LoadEngine(cfg.Policy.RulesFile)
	}

	det := detector.NewDetector(cfg.Screener.MinOrderSizeUsd, cfg.Screener.MaxDistancePercent, overrides)
	notifier := alert.NewTelegramNotifier(cfg.Telegram, cfg.Screener.AlertCooldownMs)
	journal := tradelog.NewWriter(cfg.TradeLog.Dir)

	var sink trading.TradeSink
	if store != nil {
		sink = store
	}

	// Торговый модуль
	engine := trading.NewEngine(cfg.Trading, cfg.Policy.Enabled, exec, calc,
		features, rules, memory, journal, sink, hyper)
	engine.Start(ctx)

	// Лента свечей для NATR
	candleFeed := feed.NewFeed(binance, calc, features, cfg.Trading.CandlePollIntervalSec)
	candleFeed.Start(ctx)

	// Поток стаканов: детектор, уведомления, торговля
	onSnapshot := func(snap *models.OrderBookSnapshot) {
		candleFeed.Track(snap.Coin)
		engine.HandleSnapshot(ctx, snap)

		for _, lo := range det.Inspect(snap) {
			notifier.NotifyLargeOrder(ctx, lo)
			if store != nil {
				if err := store.SaveLargeOrder(ctx, lo); err != nil {
					logger.Debug("Не удалось сохранить плотность", zap.Error(err))
				}
			}
			engine.HandleLargeOrder(ctx, lo)
		}
	}

	if err := hyper.SubscribeAllAssets(ctx, onSnapshot); err != nil {
		logger.Fatal("Ошибка подписки на инструменты", zap.Error(err))
	}
	hyper.Start(ctx)

	// Наблюдатель новых листингов
	var listingWatcher *listing.Watcher
	if cfg.Listing.Enabled {
		listingWatcher = listing.NewWatcher(hyper, notifier, cfg.Listing.HistoryFile, cfg.Listing.CheckIntervalSec)
		listingWatcher.Start(ctx)
	}

	// Настраиваем обработку сигналов завершения
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nЗавершение работы...")
	cancel()

	// Останавливаем компоненты в обратном порядке
	if listingWatcher != nil {
		listingWatcher.Stop()
	}
	candleFeed.Stop()
	engine.Stop()
	hyper.Stop()

	// Даем фоновым операциям время на завершение
	time.Sleep(2 * time.Second)
	logger.Info("Остановлено")
}
