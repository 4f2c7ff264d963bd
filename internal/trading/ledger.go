package trading

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/arrow767/hyper-screener/internal/config"
	"github.com/arrow767/hyper-screener/internal/policy"
	"github.com/arrow767/hyper-screener/pkg/logger"
	"github.com/arrow767/hyper-screener/pkg/models"
)

// HandleSnapshot обрабатывает срез стакана: обновляет последнюю среднюю
// цену монеты и ведет открытую позицию по монете, если она есть.
// Ошибка обработки одной позиции не валит поток срезов.
func (e *Engine) HandleSnapshot(ctx context.Context, snap *models.OrderBookSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if mid, ok := snap.Mid(); ok {
		e.lastMid[snap.Coin] = mid
	}

	pos, ok := e.positions[snap.Coin]
	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Паника при обработке среза",
				zap.String("coin", snap.Coin), zap.Any("panic", r))
		}
	}()

	e.updatePosition(ctx, pos, snap)
}

// updatePosition прогоняет позицию через дерево решений видимости
// плотности, симуляцию исполнения лимитных ордеров и проверку
// тейк-профитов. Вызывается под mu.
func (e *Engine) updatePosition(ctx context.Context, pos *models.Position, snap *models.OrderBookSnapshot) {
	mid, ok := snap.Mid()
	if !ok {
		// Пустая сторона стакана: срез пропускается, ложных закрытий нет
		return
	}

	levels := snap.SideLevels(pos.AnchorSide)
	if len(levels) == 0 {
		return
	}

	// Видимое окно цен стороны плотности, границы включительно
	first, last := levels[0].Price, levels[len(levels)-1].Price
	minVisible, maxVisible := math.Min(first, last), math.Max(first, last)

	if pos.AnchorPrice < minVisible || pos.AnchorPrice > maxVisible {
		// Плотность за пределами окна. Против позиции — цена прошла
		// сквозь плотность: закрываемся. В сторону профита — держим.
		adverse := (pos.AnchorSide == models.BookSideBid && pos.AnchorPrice > maxVisible) ||
			(pos.AnchorSide == models.BookSideAsk && pos.AnchorPrice < minVisible)
		if adverse {
			e.finalizeClose(ctx, pos, "anchor_lost_out_of_view_against", mid)
			return
		}
	} else {
		var currentValue float64
		found := false
		for _, level := range levels {
			if level.Price == pos.AnchorPrice {
				currentValue += level.Price * level.Size
				found = true
			}
		}

		if !found {
			// Плотность сняли внутри видимого окна
			e.cancelEntryOrders(ctx, pos)
			e.finalizeClose(ctx, pos, "anchor_removed_from_book_in_view", mid)
			return
		}
		if currentValue <= pos.AnchorMinValueUsd {
			e.finalizeClose(ctx, pos, "anchor_value_below_threshold", mid)
			return
		}
		if pos.AnchorInitialValueUsd > 0 && e.cfg.EntryLimitDensityMinPct > 0 &&
			currentValue/pos.AnchorInitialValueUsd*100 < e.cfg.EntryLimitDensityMinPct {
			// Плотность истощается: лестницу входа снимаем, позиция живет
			e.cancelEntryOrders(ctx, pos)
		}
	}

	if e.cfg.Mode != config.ModeLive {
		if e.simulateFills(ctx, pos, mid) {
			return
		}
	}

	e.checkTpTargets(ctx, pos, mid)
}

// cancelEntryOrders отменяет живые входные лимитные ордера позиции
func (e *Engine) cancelEntryOrders(ctx context.Context, pos *models.Position) {
	for _, order := range pos.EntryLimitOrders {
		if !order.Active() {
			continue
		}
		if err := e.exec.CancelLimitOrder(ctx, order); err != nil {
			logger.Error("Ошибка отмены входного ордера",
				zap.String("coin", pos.Coin), zap.String("order_id", order.OrderID), zap.Error(err))
		}
	}
}

// limitCrossed покупка исполняется при mid не выше цены, продажа —
// при mid не ниже цены
func limitCrossed(side models.OrderSide, price, mid float64) bool {
	if side == models.OrderBuy {
		return mid <= price
	}
	return mid >= price
}

// simulateFills бумажная симуляция исполнения лимитных ордеров по проходу
// средней цены. Возвращает true, если позиция была закрыта.
func (e *Engine) simulateFills(ctx context.Context, pos *models.Position, mid float64) bool {
	now := time.Now()

	// Входная лестница
	entryFilled := false
	for _, order := range pos.EntryLimitOrders {
		if order.Active() && limitCrossed(order.Side, order.Price, mid) {
			order.MarkFilled(now)
			e.applyEntryFill(pos, order)
			entryFilled = true
		}
	}
	if entryFilled {
		e.installTakeProfitsAfterFill(ctx, pos)
	}

	// TP-лестница
	for _, order := range pos.TpLimitOrders {
		if order.Active() && limitCrossed(order.Side, order.Price, mid) {
			order.MarkFilled(now)
			e.applyTpFill(pos, order)
		}
	}

	if len(pos.TpLimitOrders) > 0 && pos.SizeUsd <= 0 {
		e.finalizeClose(ctx, pos, "tp_limit_all_hit", mid)
		return true
	}
	return false
}

// applyEntryFill учитывает исполнение входного лимитного ордера
func (e *Engine) applyEntryFill(pos *models.Position, order *models.LimitOrderState) {
	pos.LimitFilledSizeUsd += order.SizeUsd
	pos.EntryTrades = append(pos.EntryTrades, models.TradeFill{
		Price:   order.Price,
		SizeUsd: order.SizeUsd,
		Time:    order.FilledAt,
	})
	logger.Info("Исполнен входной лимитный ордер",
		zap.String("coin", pos.Coin), zap.Float64("price", order.Price),
		zap.Float64("size_usd", order.SizeUsd))
}

// applyTpFill учитывает исполнение TP-ордера: размер позиции уменьшается
func (e *Engine) applyTpFill(pos *models.Position, order *models.LimitOrderState) {
	size := math.Min(order.SizeUsd, pos.SizeUsd)
	pos.SizeUsd -= size
	pos.ExitTrades = append(pos.ExitTrades, models.TradeFill{
		Price:   order.Price,
		SizeUsd: size,
		Time:    order.FilledAt,
	})
	logger.Info("Исполнен TP-ордер",
		zap.String("coin", pos.Coin), zap.Float64("price", order.Price),
		zap.Float64("size_usd", size), zap.Float64("remaining_usd", pos.SizeUsd))
}

// installTakeProfitsAfterFill ставит TP-лестницу после первого исполнения
// входа, если она еще не установлена. Правила области open_position могут
// дополнительно скорректировать дистанции TP на момент установки.
func (e *Engine) installTakeProfitsAfterFill(ctx context.Context, pos *models.Position) {
	if len(pos.TpLimitOrders) > 0 || len(pos.TpTargets) > 0 {
		return
	}
	natrVal, ok := e.calc.Get(pos.Coin)
	if !ok {
		logger.Warn("NATR неизвестен, TP-лестница не установлена", zap.String("coin", pos.Coin))
		return
	}

	mult := pos.TpNatrMultiplier
	if mult <= 0 {
		mult = 1
	}
	decision := e.evaluatePolicy(policy.ScopeOpenPosition, e.positionFeatures(pos))
	mult *= decision.TpNatrMultiplier

	e.installTakeProfits(ctx, pos, natrVal, mult)
}

// checkTpTargets проверяет цели market-on-touch: касание цели дает
// частичное рыночное закрытие
func (e *Engine) checkTpTargets(ctx context.Context, pos *models.Position, mid float64) {
	if len(pos.TpTargets) == 0 {
		return
	}

	for _, target := range pos.TpTargets {
		if target.Hit {
			continue
		}
		touched := (pos.Side == models.PositionLong && mid >= target.Price) ||
			(pos.Side == models.PositionShort && mid <= target.Price)
		if !touched {
			continue
		}

		size := math.Min(target.SizeUsd, pos.SizeUsd)
		if size > 0 {
			if err := e.exec.ClosePosition(ctx, pos, size, "tp_hit"); err != nil {
				logger.Error("Ошибка частичного закрытия по TP",
					zap.String("coin", pos.Coin), zap.Error(err))
				continue
			}
			pos.ExitTrades = append(pos.ExitTrades, models.TradeFill{
				Price:   target.Price,
				SizeUsd: size,
				Time:    time.Now(),
			})
			pos.SizeUsd -= size
		}
		target.Hit = true
		logger.Info("Сработал тейк-профит",
			zap.String("coin", pos.Coin), zap.Float64("price", target.Price),
			zap.Float64("size_usd", size), zap.Float64("remaining_usd", pos.SizeUsd))
	}

	if pos.SizeUsd <= 0 {
		e.finalizeClose(ctx, pos, "tp_all_hit", mid)
	}
}

// pollLimitOrders опрашивает биржевые статусы лимитных ордеров позиции
// в живом режиме. Вызывается под mu из супервизора.
func (e *Engine) pollLimitOrders(ctx context.Context, pos *models.Position) {
	entryFilled := false
	for _, order := range pos.EntryLimitOrders {
		if !order.Active() {
			continue
		}
		filled, err := e.exec.CheckLimitOrderStatus(ctx, order)
		if err != nil {
			logger.Warn("Ошибка опроса входного ордера",
				zap.String("order_id", order.OrderID), zap.Error(err))
			continue
		}
		if filled {
			e.applyEntryFill(pos, order)
			entryFilled = true
		}
	}
	if entryFilled {
		e.installTakeProfitsAfterFill(ctx, pos)
	}

	for _, order := range pos.TpLimitOrders {
		if !order.Active() {
			continue
		}
		filled, err := e.exec.CheckLimitOrderStatus(ctx, order)
		if err != nil {
			logger.Warn("Ошибка опроса TP-ордера",
				zap.String("order_id", order.OrderID), zap.Error(err))
			continue
		}
		if filled {
			e.applyTpFill(pos, order)
		}
	}

	if len(pos.TpLimitOrders) > 0 && pos.SizeUsd <= 0 {
		e.finalizeClose(ctx, pos, "tp_limit_all_hit", e.lastMid[pos.Coin])
	}
}
