package execution

import (
	"context"
	"fmt"

	"github.com/arrow767/hyper-screener/internal/config"
	"github.com/arrow767/hyper-screener/internal/exchange"
	"github.com/arrow767/hyper-screener/pkg/models"
)

// Engine контракт исполнения ордеров. Две реализации: бумажная и живая.
type Engine interface {
	// OpenPosition отправляет рыночный вход и возвращает позицию с
	// фактической ценой и размером исполнения. nil без ошибки означает
	// отказ биржи или нулевой размер после нормализации.
	OpenPosition(ctx context.Context, sig *models.Signal) (*models.Position, error)

	// ClosePosition закрывает позицию рыночным reduce-only ордером.
	// sizeUsd < полного размера означает частичное закрытие.
	ClosePosition(ctx context.Context, pos *models.Position, sizeUsd float64, reason string) error

	// PlaceLimitOrder выставляет лимитный ордер, нормализуя цену и объем
	// под фильтры биржи. nil без ошибки — цена или объем схлопнулись в ноль
	// либо биржа отклонила ордер.
	// Для purpose=tp ордер отправляется как reduce-only.
	PlaceLimitOrder(ctx context.Context, coin string, side models.OrderSide, price, sizeUsd float64, purpose models.OrderPurpose) (*models.LimitOrderState, error)

	// CancelLimitOrder идемпотентно отменяет ордер: неизвестный бирже
	// ордер считается успешно отмененным.
	CancelLimitOrder(ctx context.Context, order *models.LimitOrderState) error

	// CheckLimitOrderStatus опрашивает состояние ордера на бирже
	CheckLimitOrderStatus(ctx context.Context, order *models.LimitOrderState) (bool, error)

	// SyncOpenPositions сверяет позиции на бирже при старте и возвращает
	// монеты чужих позиций, не принадлежащих модулю. Только чтение.
	SyncOpenPositions(ctx context.Context) ([]string, error)

	// GetPositionContracts возвращает текущий размер позиции на бирже
	GetPositionContracts(ctx context.Context, coin string) (float64, error)
}

// NewEngine создает исполнитель для настроенной площадки
func NewEngine(cfg config.TradingConfig, binance *exchange.BinanceClient) (Engine, error) {
	if cfg.Mode != config.ModeLive {
		return NewPaperEngine(), nil
	}

	switch cfg.Venue {
	case config.VenuePaper:
		return NewPaperEngine(), nil
	case config.VenueBinance:
		if binance == nil {
			return nil, fmt.Errorf("для площадки BINANCE требуется клиент Binance")
		}
		return NewBinanceEngine(binance)
	case config.VenueHyperliquid:
		// Исполнение на Hyperliquid пока не реализовано
		return nil, fmt.Errorf("площадка HYPERLIQUID не поддерживается")
	default:
		return nil, fmt.Errorf("неизвестная площадка исполнения: %s", cfg.Venue)
	}
}
