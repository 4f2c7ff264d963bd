package listing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arrow767/hyper-screener/pkg/logger"
	"github.com/arrow767/hyper-screener/pkg/models"
)

// MetaSource источник universe биржи
type MetaSource interface {
	FetchMeta(ctx context.Context) ([]models.AssetMeta, error)
}

// Notifier получатель уведомлений о новых листингах
type Notifier interface {
	NotifyNewListing(ctx context.Context, coin string) error
}

// history персистентное состояние наблюдателя
type history struct {
	KnownCoins    []string  `json:"knownCoins"`
	NotifiedCoins []string  `json:"notifiedCoins"`
	LastUpdate    time.Time `json:"lastUpdate"`
}

// Watcher следит за появлением новых монет в universe биржи
type Watcher struct {
	source   MetaSource
	notifier Notifier
	path     string
	interval time.Duration

	mu       sync.Mutex
	known    map[string]bool
	notified map[string]bool
	seeded   bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewWatcher создает наблюдателя и загружает историю листингов
func NewWatcher(source MetaSource, notifier Notifier, path string, intervalSec int) *Watcher {
	if intervalSec <= 0 {
		intervalSec = 300
	}
	w := &Watcher{
		source:   source,
		notifier: notifier,
		path:     path,
		interval: time.Duration(intervalSec) * time.Second,
		known:    make(map[string]bool),
		notified: make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
	w.load()
	return w
}

// load читает файл истории; отсутствующий файл — пустая история
func (w *Watcher) load() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("Не удалось прочитать историю листингов", zap.String("path", w.path), zap.Error(err))
		}
		return
	}

	var h history
	if err := json.Unmarshal(data, &h); err != nil {
		logger.Warn("Не удалось разобрать историю листингов", zap.String("path", w.path), zap.Error(err))
		return
	}

	for _, coin := range h.KnownCoins {
		w.known[coin] = true
	}
	for _, coin := range h.NotifiedCoins {
		w.notified[coin] = true
	}
	w.seeded = len(w.known) > 0
}

// persist атомарно сохраняет историю листингов
func (w *Watcher) persist() error {
	h := history{LastUpdate: time.Now()}
	for coin := range w.known {
		h.KnownCoins = append(h.KnownCoins, coin)
	}
	for coin := range w.notified {
		h.NotifiedCoins = append(h.NotifiedCoins, coin)
	}
	sort.Strings(h.KnownCoins)
	sort.Strings(h.NotifiedCoins)

	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации истории: %w", err)
	}

	if dir := filepath.Dir(w.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ошибка создания каталога истории: %w", err)
		}
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("ошибка записи истории: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("ошибка переименования истории: %w", err)
	}
	return nil
}

// Start запускает периодическую проверку листингов
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.checkOnce(ctx)
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			}
		}
	}()
}

// Stop останавливает наблюдателя
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	w.wg.Wait()
}

// checkOnce один проход проверки: новые монеты уведомляются один раз.
// Первый проход при пустой истории только заполняет известные монеты.
func (w *Watcher) checkOnce(ctx context.Context) {
	assets, err := w.source.FetchMeta(ctx)
	if err != nil {
		logger.Warn("Не удалось получить universe для проверки листингов", zap.Error(err))
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var fresh []string
	for _, asset := range assets {
		if !w.known[asset.Name] {
			w.known[asset.Name] = true
			fresh = append(fresh, asset.Name)
		}
	}

	if !w.seeded {
		// Стартовое заполнение: существующие монеты не считаются новыми
		w.seeded = true
		if err := w.persist(); err != nil {
			logger.Warn("Не удалось сохранить историю листингов", zap.Error(err))
		}
		return
	}
	if len(fresh) == 0 {
		return
	}

	for _, coin := range fresh {
		if w.notified[coin] {
			continue
		}
		logger.Info("Обнаружен новый листинг", zap.String("coin", coin))
		if w.notifier != nil {
			if err := w.notifier.NotifyNewListing(ctx, coin); err != nil {
				logger.Warn("Не удалось уведомить о листинге", zap.String("coin", coin), zap.Error(err))
				continue
			}
		}
		w.notified[coin] = true
	}

	if err := w.persist(); err != nil {
		logger.Warn("Не удалось сохранить историю листингов", zap.Error(err))
	}
}
