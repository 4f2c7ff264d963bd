package feed

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arrow767/hyper-screener/internal/natr"
	"github.com/arrow767/hyper-screener/internal/policy"
	"github.com/arrow767/hyper-screener/pkg/logger"
	"github.com/arrow767/hyper-screener/pkg/models"
)

// CandleSource внешний источник закрытых свечей
type CandleSource interface {
	GetLastClosedCandle(ctx context.Context, coin string) (models.Candle, error)
}

// Feed периодически опрашивает источник свечей по отслеживаемым монетам
// и продвигает калькулятор NATR. Набор монет только пополняется.
type Feed struct {
	source   CandleSource
	calc     *natr.Calculator
	features *policy.Features
	interval time.Duration

	mu    sync.Mutex
	coins map[string]struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewFeed создает ленту свечей
func NewFeed(source CandleSource, calc *natr.Calculator, features *policy.Features, intervalSec int) *Feed {
	if intervalSec <= 0 {
		intervalSec = 20
	}
	return &Feed{
		source:   source,
		calc:     calc,
		features: features,
		interval: time.Duration(intervalSec) * time.Second,
		coins:    make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Track добавляет монету в отслеживание
func (f *Feed) Track(coin string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coins[strings.ToUpper(coin)] = struct{}{}
}

// TrackedCount возвращает количество отслеживаемых монет
func (f *Feed) TrackedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.coins)
}

// Start запускает периодический опрос
func (f *Feed) Start(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				f.pollOnce(ctx)
			case <-ctx.Done():
				return
			case <-f.stopCh:
				return
			}
		}
	}()
}

// Stop останавливает опрос
func (f *Feed) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopCh)
	})
	f.wg.Wait()
}

// pollOnce один тик опроса: ошибка по одной монете логируется и
// не прерывает остальных
func (f *Feed) pollOnce(ctx context.Context) {
	f.mu.Lock()
	coins := make([]string, 0, len(f.coins))
	for coin := range f.coins {
		coins = append(coins, coin)
	}
	f.mu.Unlock()
	sort.Strings(coins)

	for _, coin := range coins {
		candle, err := f.source.GetLastClosedCandle(ctx, coin)
		if err != nil {
			logger.Debug("Не удалось получить свечу", zap.String("coin", coin), zap.Error(err))
			continue
		}

		if value, ok := f.calc.Update(coin, candle); ok {
			f.features.UpdateNatrHistory(coin, value)
		}
	}
}
