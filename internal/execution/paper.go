package execution

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arrow767/hyper-screener/pkg/logger"
	"github.com/arrow767/hyper-screener/pkg/models"
)

// PaperEngine бумажный исполнитель: сетевых вызовов нет, рыночные входы
// исполняются по цене сигнала, исполнение лимитных ордеров определяет
// машина состояний позиций по проходу средней цены.
type PaperEngine struct{}

// NewPaperEngine создает бумажный исполнитель
func NewPaperEngine() *PaperEngine {
	return &PaperEngine{}
}

// OpenPosition мгновенно исполняет рыночный вход по цене сигнала
func (e *PaperEngine) OpenPosition(ctx context.Context, sig *models.Signal) (*models.Position, error) {
	if sig.SizeUsd <= 0 || sig.Price <= 0 {
		return nil, nil
	}

	now := time.Now()
	pos := &models.Position{
		ID:                  uuid.NewString(),
		Coin:                sig.Coin,
		Side:                sig.Side,
		EntryPrice:          sig.Price,
		SizeUsd:             sig.SizeUsd,
		SizeContracts:       sig.SizeUsd / sig.Price,
		InitialSizeUsd:      sig.SizeUsd,
		OpenedAt:            now,
		AnchorSide:          sig.AnchorSide,
		AnchorPrice:         sig.AnchorPrice,
		MarketFilledSizeUsd: sig.SizeUsd,
		EntryTrades: []models.TradeFill{
			{Price: sig.Price, SizeUsd: sig.SizeUsd, Time: now},
		},
	}

	logger.Info("PAPER: открыта позиция",
		zap.String("coin", sig.Coin), zap.String("side", string(sig.Side)),
		zap.Float64("price", sig.Price), zap.Float64("size_usd", sig.SizeUsd))
	return pos, nil
}

// ClosePosition в бумажном режиме закрытие чисто учетное
func (e *PaperEngine) ClosePosition(ctx context.Context, pos *models.Position, sizeUsd float64, reason string) error {
	logger.Info("PAPER: закрытие позиции",
		zap.String("coin", pos.Coin), zap.Float64("size_usd", sizeUsd), zap.String("reason", reason))
	return nil
}

// PlaceLimitOrder регистрирует лимитный ордер в памяти
func (e *PaperEngine) PlaceLimitOrder(ctx context.Context, coin string, side models.OrderSide, price, sizeUsd float64, purpose models.OrderPurpose) (*models.LimitOrderState, error) {
	if price <= 0 || sizeUsd <= 0 {
		return nil, nil
	}

	order := &models.LimitOrderState{
		OrderID:  uuid.NewString(),
		Coin:     coin,
		Price:    price,
		SizeUsd:  sizeUsd,
		Side:     side,
		Purpose:  purpose,
		PlacedAt: time.Now(),
	}

	logger.Debug("PAPER: выставлен лимитный ордер",
		zap.String("coin", coin), zap.String("side", string(side)),
		zap.String("purpose", string(purpose)), zap.Float64("price", price), zap.Float64("size_usd", sizeUsd))
	return order, nil
}

// CancelLimitOrder отмена идемпотентна: повторный вызов ничего не меняет
func (e *PaperEngine) CancelLimitOrder(ctx context.Context, order *models.LimitOrderState) error {
	if order.MarkCancelled(time.Now()) {
		logger.Debug("PAPER: отменен лимитный ордер", zap.String("order_id", order.OrderID))
	}
	return nil
}

// CheckLimitOrderStatus в бумажном режиме состояние только локальное
func (e *PaperEngine) CheckLimitOrderStatus(ctx context.Context, order *models.LimitOrderState) (bool, error) {
	return order.Filled, nil
}

// SyncOpenPositions в бумажном режиме на бирже ничего нет
func (e *PaperEngine) SyncOpenPositions(ctx context.Context) ([]string, error) {
	return nil, nil
}

// GetPositionContracts в бумажном режиме биржевой позиции нет
func (e *PaperEngine) GetPositionContracts(ctx context.Context, coin string) (float64, error) {
	return 0, nil
}
