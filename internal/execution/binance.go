package execution

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/arrow767/hyper-screener/internal/exchange"
	"github.com/arrow767/hyper-screener/pkg/logger"
	"github.com/arrow767/hyper-screener/pkg/models"
)

const (
	// recvWindow окно валидности подписанных запросов, мс
	recvWindow = int64(5000)
	// closeVerifyDelay пауза перед сверкой позиции после закрытия
	closeVerifyDelay = 2 * time.Second
	// safetyCloseFactor запас объема штатного закрытия
	safetyCloseFactor = 1.10
	// emergencyCloseFactor запас объема аварийного закрытия
	emergencyCloseFactor = 1.20
)

// symbolFilters фильтры инструмента с биржи
type symbolFilters struct {
	tickSize float64
	stepSize float64
	minQty   float64
}

// BinanceEngine живой исполнитель на фьючерсах Binance
type BinanceEngine struct {
	client  *futures.Client
	filters map[string]symbolFilters
}

// NewBinanceEngine создает живой исполнитель и кэширует фильтры
// инструментов на все время жизни процесса
func NewBinanceEngine(binance *exchange.BinanceClient) (*BinanceEngine, error) {
	e := &BinanceEngine{
		client:  binance.Futures(),
		filters: make(map[string]symbolFilters),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	info, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения exchangeInfo: %w", err)
	}

	for _, sym := range info.Symbols {
		f := symbolFilters{}
		if lot := sym.LotSizeFilter(); lot != nil {
			f.stepSize = parseFloat(lot.StepSize)
			f.minQty = parseFloat(lot.MinQuantity)
		}
		if price := sym.PriceFilter(); price != nil {
			f.tickSize = parseFloat(price.TickSize)
		}
		e.filters[sym.Symbol] = f
	}

	logger.Info("Загружены фильтры инструментов Binance", zap.Int("symbols", len(e.filters)))
	return e, nil
}

// OpenPosition отправляет рыночный ордер и читает фактические исполнения
func (e *BinanceEngine) OpenPosition(ctx context.Context, sig *models.Signal) (*models.Position, error) {
	symbol := exchange.Symbol(sig.Coin)
	f := e.filters[symbol]

	qty := NormalizeQty(sig.SizeUsd/sig.Price, f.stepSize, f.minQty)
	if qty <= 0 {
		logger.Warn("Объем входа схлопнулся в ноль после нормализации",
			zap.String("coin", sig.Coin), zap.Float64("size_usd", sig.SizeUsd))
		return nil, nil
	}

	side := futures.SideTypeBuy
	if sig.Side == models.PositionShort {
		side = futures.SideTypeSell
	}

	resp, err := e.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(formatQty(qty)).
		Do(ctx, futures.WithRecvWindow(recvWindow))
	if err != nil {
		if isRejection(err) {
			logger.Warn("Биржа отклонила рыночный вход", zap.String("coin", sig.Coin), zap.Error(err))
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка рыночного входа: %w", err)
	}

	// Даем бирже время сматчить ордер и читаем фактические исполнения
	time.Sleep(500 * time.Millisecond)
	avgPrice, filledQty := e.fetchFills(ctx, symbol, resp.OrderID)
	if avgPrice <= 0 {
		avgPrice = sig.Price
	}
	if filledQty <= 0 {
		filledQty = qty
	}

	now := time.Now()
	sizeUsd := avgPrice * filledQty
	pos := &models.Position{
		ID:                  uuid.NewString(),
		Coin:                sig.Coin,
		Side:                sig.Side,
		EntryPrice:          avgPrice,
		SizeUsd:             sizeUsd,
		SizeContracts:       filledQty,
		InitialSizeUsd:      sizeUsd,
		OpenedAt:            now,
		AnchorSide:          sig.AnchorSide,
		AnchorPrice:         sig.AnchorPrice,
		MarketFilledSizeUsd: sizeUsd,
		EntryTrades: []models.TradeFill{
			{Price: avgPrice, SizeUsd: sizeUsd, Time: now},
		},
	}

	logger.Info("LIVE: открыта позиция",
		zap.String("coin", sig.Coin), zap.String("side", string(sig.Side)),
		zap.Float64("avg_price", avgPrice), zap.Float64("contracts", filledQty))
	return pos, nil
}

// fetchFills возвращает средневзвешенную цену и объем исполнений ордера
func (e *BinanceEngine) fetchFills(ctx context.Context, symbol string, orderID int64) (float64, float64) {
	trades, err := e.client.NewListAccountTradeService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx, futures.WithRecvWindow(recvWindow))
	if err != nil {
		logger.Warn("Не удалось прочитать исполнения ордера",
			zap.String("symbol", symbol), zap.Int64("order_id", orderID), zap.Error(err))
		return 0, 0
	}

	var notional, qty float64
	for _, t := range trades {
		p := parseFloat(t.Price)
		q := parseFloat(t.Quantity)
		notional += p * q
		qty += q
	}
	if qty <= 0 {
		return 0, 0
	}
	return notional / qty, qty
}

// ClosePosition закрывает позицию рыночным reduce-only ордером.
// Полное закрытие идет с запасом 110% и пост-проверкой остатка; остаток
// добивается аварийным ордером на 120%, неустранимый остаток — ошибка.
func (e *BinanceEngine) ClosePosition(ctx context.Context, pos *models.Position, sizeUsd float64, reason string) error {
	symbol := exchange.Symbol(pos.Coin)
	f := e.filters[symbol]

	full := sizeUsd <= 0 || sizeUsd >= pos.SizeUsd

	var contracts float64
	if full {
		onExchange, err := e.GetPositionContracts(ctx, pos.Coin)
		if err != nil || onExchange == 0 {
			// Не смогли прочитать позицию или биржа вернула ноль — оцениваем по учету
			contracts = pos.SizeContracts * pos.SizeUsd / pos.InitialSizeUsd
		} else {
			// У шорта positionAmt отрицательный
			contracts = absFloat(onExchange)
		}
		contracts *= safetyCloseFactor
	} else {
		contracts = pos.SizeContracts * sizeUsd / pos.InitialSizeUsd
	}

	qty := NormalizeQty(contracts, f.stepSize, f.minQty)
	if qty <= 0 {
		return fmt.Errorf("объем закрытия схлопнулся в ноль: %s %.4f", pos.Coin, contracts)
	}

	if err := e.reduceOnlyMarket(ctx, symbol, pos.Side, qty); err != nil {
		return fmt.Errorf("ошибка закрытия позиции: %w", err)
	}

	if !full {
		return nil
	}

	// Пост-проверка: позиция на бирже должна обнулиться
	time.Sleep(closeVerifyDelay)
	remainder, err := e.GetPositionContracts(ctx, pos.Coin)
	if err != nil {
		return fmt.Errorf("ошибка сверки после закрытия: %w", err)
	}
	if remainder == 0 {
		return nil
	}

	logger.Warn("После закрытия остался остаток, аварийное добивание",
		zap.String("coin", pos.Coin), zap.Float64("remainder", remainder), zap.String("reason", reason))

	emergencyQty := NormalizeQty(absFloat(remainder)*emergencyCloseFactor, f.stepSize, f.minQty)
	if emergencyQty > 0 {
		if err := e.reduceOnlyMarket(ctx, symbol, pos.Side, emergencyQty); err != nil {
			return fmt.Errorf("ошибка аварийного закрытия: %w", err)
		}
		time.Sleep(closeVerifyDelay)
		remainder, err = e.GetPositionContracts(ctx, pos.Coin)
		if err != nil {
			return fmt.Errorf("ошибка сверки после аварийного закрытия: %w", err)
		}
	}

	if remainder != 0 {
		logger.Error("ТРЕБУЕТСЯ РУЧНОЕ ВМЕШАТЕЛЬСТВО: позиция не закрыта полностью",
			zap.String("coin", pos.Coin), zap.Float64("remainder", remainder))
		return fmt.Errorf("неустранимый остаток позиции %s: %.8f", pos.Coin, remainder)
	}
	return nil
}

// reduceOnlyMarket отправляет рыночный reduce-only ордер в сторону закрытия
func (e *BinanceEngine) reduceOnlyMarket(ctx context.Context, symbol string, posSide models.PositionSide, qty float64) error {
	side := futures.SideTypeSell
	if posSide == models.PositionShort {
		side = futures.SideTypeBuy
	}

	_, err := e.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(formatQty(qty)).
		ReduceOnly(true).
		Do(ctx, futures.WithRecvWindow(recvWindow))
	return err
}

// PlaceLimitOrder выставляет лимитный ордер GTC, для tp — reduce-only
func (e *BinanceEngine) PlaceLimitOrder(ctx context.Context, coin string, side models.OrderSide, price, sizeUsd float64, purpose models.OrderPurpose) (*models.LimitOrderState, error) {
	symbol := exchange.Symbol(coin)
	f := e.filters[symbol]

	normPrice := NormalizePrice(price, f.tickSize)
	if normPrice <= 0 {
		return nil, nil
	}
	qty := NormalizeQty(sizeUsd/normPrice, f.stepSize, f.minQty)
	if qty <= 0 {
		return nil, nil
	}

	orderSide := futures.SideTypeBuy
	if side == models.OrderSell {
		orderSide = futures.SideTypeSell
	}

	svc := e.client.NewCreateOrderService().
		Symbol(symbol).
		Side(orderSide).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Price(formatQty(normPrice)).
		Quantity(formatQty(qty))
	if purpose == models.PurposeTp {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx, futures.WithRecvWindow(recvWindow))
	if err != nil {
		if isRejection(err) {
			logger.Warn("Биржа отклонила лимитный ордер",
				zap.String("coin", coin), zap.Float64("price", normPrice), zap.Error(err))
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка выставления лимитного ордера: %w", err)
	}

	return &models.LimitOrderState{
		OrderID:   strconv.FormatInt(resp.OrderID, 10),
		Coin:      coin,
		Price:     normPrice,
		SizeUsd:   normPrice * qty,
		Contracts: qty,
		Side:      side,
		Purpose:   purpose,
		PlacedAt:  time.Now(),
	}, nil
}

// CancelLimitOrder отменяет ордер; неизвестный бирже ордер считается
// уже отмененным
func (e *BinanceEngine) CancelLimitOrder(ctx context.Context, order *models.LimitOrderState) error {
	if !order.Active() {
		return nil
	}

	orderID, err := strconv.ParseInt(order.OrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("некорректный идентификатор ордера %q: %w", order.OrderID, err)
	}

	_, err = e.client.NewCancelOrderService().
		Symbol(exchange.Symbol(order.Coin)).
		OrderID(orderID).
		Do(ctx, futures.WithRecvWindow(recvWindow))
	if err != nil && !isUnknownOrder(err) {
		return fmt.Errorf("ошибка отмены ордера: %w", err)
	}

	order.MarkCancelled(time.Now())
	return nil
}

// CheckLimitOrderStatus опрашивает биржевое состояние ордера
func (e *BinanceEngine) CheckLimitOrderStatus(ctx context.Context, order *models.LimitOrderState) (bool, error) {
	orderID, err := strconv.ParseInt(order.OrderID, 10, 64)
	if err != nil {
		return false, fmt.Errorf("некорректный идентификатор ордера %q: %w", order.OrderID, err)
	}

	remote, err := e.client.NewGetOrderService().
		Symbol(exchange.Symbol(order.Coin)).
		OrderID(orderID).
		Do(ctx, futures.WithRecvWindow(recvWindow))
	if err != nil {
		return false, fmt.Errorf("ошибка опроса ордера: %w", err)
	}

	if remote.Status == futures.OrderStatusTypeFilled {
		order.MarkFilled(time.Now())
		return true, nil
	}
	return false, nil
}

// SyncOpenPositions перечисляет чужие позиции на бирже, не трогая их
func (e *BinanceEngine) SyncOpenPositions(ctx context.Context) ([]string, error) {
	risks, err := e.client.NewGetPositionRiskService().
		Do(ctx, futures.WithRecvWindow(recvWindow))
	if err != nil {
		return nil, fmt.Errorf("ошибка сверки позиций: %w", err)
	}

	var foreign []string
	for _, r := range risks {
		if parseFloat(r.PositionAmt) != 0 {
			foreign = append(foreign, r.Symbol)
		}
	}
	if len(foreign) > 0 {
		logger.Warn("На бирже обнаружены позиции вне модуля", zap.Strings("symbols", foreign))
	}
	return foreign, nil
}

// GetPositionContracts возвращает размер позиции на бирже
func (e *BinanceEngine) GetPositionContracts(ctx context.Context, coin string) (float64, error) {
	risks, err := e.client.NewGetPositionRiskService().
		Symbol(exchange.Symbol(coin)).
		Do(ctx, futures.WithRecvWindow(recvWindow))
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения позиции: %w", err)
	}

	var total float64
	for _, r := range risks {
		total += parseFloat(r.PositionAmt)
	}
	return total, nil
}

// isUnknownOrder коды -2011 (CANCEL_REJECTED) и -2013 (NO_SUCH_ORDER)
func isUnknownOrder(err error) bool {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == -2011 || apiErr.Code == -2013
	}
	return false
}

// isRejection бизнес-ошибка биржи, на которую отвечаем воздержанием
func isRejection(err error) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr)
}

// formatQty печатает число без экспоненты и хвостовых нулей
func formatQty(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func parseFloat(raw string) float64 {
	v, _ := strconv.ParseFloat(raw, 64)
	return v
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
