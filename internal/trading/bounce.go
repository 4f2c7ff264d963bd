package trading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arrow767/hyper-screener/internal/anchor"
	"github.com/arrow767/hyper-screener/internal/config"
	"github.com/arrow767/hyper-screener/internal/execution"
	"github.com/arrow767/hyper-screener/internal/natr"
	"github.com/arrow767/hyper-screener/internal/policy"
	"github.com/arrow767/hyper-screener/pkg/logger"
	"github.com/arrow767/hyper-screener/pkg/models"
)

// TradeJournal журнал закрытых сделок
type TradeJournal interface {
	Append(trade models.ClosedTrade) error
}

// TradeSink приемник истории закрытых сделок
type TradeSink interface {
	SaveClosedTrade(ctx context.Context, trade models.ClosedTrade) error
}

// MarketData способность подписываться на поток сделок монеты по запросу.
// Внедряется при создании модуля, обратной ссылки на клиента биржи нет.
type MarketData interface {
	SubscribeTrades(coin string, handler func([]models.TradeEvent))
}

// Engine торговый модуль отбоя от плотности: принимает крупные заявки,
// открывает позиции и ведет их по срезам стакана.
//
// Все мутации позиций сериализованы мьютексом: путь входа, обработка
// срезов и супервизор PnL не пересекаются. Набор pending защищает от
// повторного входа по той же монете, пока открытие ждет I/O.
type Engine struct {
	cfg           config.TradingConfig
	policyEnabled bool

	exec     execution.Engine
	calc     *natr.Calculator
	features *policy.Features
	rules    *policy.Engine
	memory   *anchor.Memory
	risk     *RiskManager
	journal  TradeJournal
	sink     TradeSink
	market   MarketData

	mu             sync.Mutex
	positions      map[string]*models.Position
	pending        map[string]struct{}
	lastMid        map[string]float64
	lastTradePrice map[string]float64
	tradeFlowSubs  map[string]bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewEngine создает торговый модуль
func NewEngine(
	cfg config.TradingConfig,
	policyEnabled bool,
	exec execution.Engine,
	calc *natr.Calculator,
	features *policy.Features,
	rules *policy.Engine,
	memory *anchor.Memory,
	journal TradeJournal,
	sink TradeSink,
	market MarketData,
) *Engine {
	return &Engine{
		cfg:            cfg,
		policyEnabled:  policyEnabled,
		exec:           exec,
		calc:           calc,
		features:       features,
		rules:          rules,
		memory:         memory,
		risk:           NewRiskManager(cfg.MaxOpenPositions),
		journal:        journal,
		sink:           sink,
		market:         market,
		positions:      make(map[string]*models.Position),
		pending:        make(map[string]struct{}),
		lastMid:        make(map[string]float64),
		lastTradePrice: make(map[string]float64),
		tradeFlowSubs:  make(map[string]bool),
		stopCh:         make(chan struct{}),
	}
}

// Start запускает супервизор PnL
func (e *Engine) Start(ctx context.Context) {
	interval := time.Duration(e.cfg.PnlCheckIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 4 * time.Second
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.superviseOnce(ctx)
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop останавливает супервизор и логирует незакрытые позиции.
// Принудительного закрытия в бумажном режиме нет; живое закрытие
// обеспечивается reduce-only путем ClosePosition при работе модуля.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	for coin, pos := range e.positions {
		logger.Warn("Позиция осталась открытой при останове",
			zap.String("coin", coin), zap.String("side", string(pos.Side)),
			zap.Float64("size_usd", pos.SizeUsd))
	}
}

// OpenPositionsCount возвращает количество открытых позиций
func (e *Engine) OpenPositionsCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.positions)
}

// HandleLargeOrder обрабатывает обнаруженную плотность: гейты, политика,
// расчет размера и вход
func (e *Engine) HandleLargeOrder(ctx context.Context, lo models.LargeOrder) {
	if !e.cfg.Enabled || e.cfg.Mode == config.ModeScreenOnly {
		return
	}

	coin := lo.Coin
	natrVal, ok := e.calc.Get(coin)
	if !ok {
		logger.Debug("Вход отклонен: NATR неизвестен", zap.String("coin", coin))
		return
	}

	anchorID := anchor.NewID(coin, lo.Price, lo.Side)
	if !e.memory.CanTrade(anchorID, e.cfg.MaxAnchorWins) {
		logger.Debug("Вход отклонен: исчерпан лимит выигрышей плотности",
			zap.String("coin", coin), zap.Float64("price", lo.Price))
		return
	}

	// Гейт повторного входа: монета либо в ожидании, либо уже в позиции
	e.mu.Lock()
	if _, busy := e.pending[coin]; busy {
		e.mu.Unlock()
		return
	}
	if err := e.risk.CanOpenPosition(coin, e.positions); err != nil {
		e.mu.Unlock()
		logger.Debug("Вход отклонен риск-менеджером", zap.String("coin", coin), zap.Error(err))
		return
	}

	decision := e.evaluatePolicy(policy.ScopeNewEntry, e.entryFeatures(coin, anchorID))
	if !decision.AllowTrade {
		e.mu.Unlock()
		logger.Info("Вход запрещен политикой",
			zap.String("coin", coin), zap.String("reason", decision.Reason))
		return
	}

	sizeUsd := e.baseSize(natrVal) * decision.SizeMultiplier
	if sizeUsd <= 0 {
		e.mu.Unlock()
		return
	}

	e.pending[coin] = struct{}{}
	e.mu.Unlock()

	// Монета освобождается всегда, каким бы путем ни завершился вход
	defer func() {
		e.mu.Lock()
		delete(e.pending, coin)
		e.mu.Unlock()
	}()

	pos, err := e.openEntry(ctx, lo, natrVal, decision, sizeUsd)
	if err != nil {
		logger.Error("Ошибка открытия позиции", zap.String("coin", coin), zap.Error(err))
		return
	}
	if pos == nil {
		return
	}

	e.mu.Lock()
	e.positions[coin] = pos
	e.mu.Unlock()

	e.subscribeTradeFlow(coin)

	logger.Info("Позиция зарегистрирована",
		zap.String("coin", coin), zap.String("side", string(pos.Side)),
		zap.Float64("entry", pos.EntryPrice), zap.Float64("size_usd", pos.SizeUsd),
		zap.Float64("anchor", pos.AnchorPrice), zap.String("policy", decision.Reason))
}

// openEntry исполняет вход согласно настроенному режиму
func (e *Engine) openEntry(ctx context.Context, lo models.LargeOrder, natrVal float64, decision policy.Decision, sizeUsd float64) (*models.Position, error) {
	minValue := anchorMinValue(lo.ValueUsd, e.cfg.AnchorMinValueFraction, e.cfg.AnchorMinValueUsd)

	switch e.cfg.EntryMode {
	case config.EntryMarket:
		pos, err := e.exec.OpenPosition(ctx, e.signalFor(lo, sizeUsd))
		if err != nil || pos == nil {
			return nil, err
		}
		pos.AnchorInitialValueUsd = lo.ValueUsd
		pos.AnchorMinValueUsd = minValue
		pos.TpNatrMultiplier = decision.TpNatrMultiplier
		e.installTakeProfits(ctx, pos, natrVal, decision.TpNatrMultiplier)
		return pos, nil

	case config.EntryLimit:
		pos := newPendingPosition(lo, sizeUsd)
		pos.AnchorInitialValueUsd = lo.ValueUsd
		pos.AnchorMinValueUsd = minValue
		pos.TpNatrMultiplier = decision.TpNatrMultiplier
		e.placeEntryLadder(ctx, pos, natrVal, sizeUsd)
		if len(pos.EntryLimitOrders) == 0 {
			logger.Warn("Лестница входа не выставлена, вход отменен", zap.String("coin", lo.Coin))
			return nil, nil
		}
		return pos, nil

	case config.EntryMixed:
		marketShare := sizeUsd * e.cfg.EntryMarketPercent / 100
		limitShare := sizeUsd * e.cfg.EntryLimitPercent / 100

		pos, err := e.exec.OpenPosition(ctx, e.signalFor(lo, marketShare))
		if err != nil || pos == nil {
			return nil, err
		}
		pos.AnchorInitialValueUsd = lo.ValueUsd
		pos.AnchorMinValueUsd = minValue
		pos.TpNatrMultiplier = decision.TpNatrMultiplier

		// Общий размер позиции включает лимитную часть
		pos.SizeUsd = pos.MarketFilledSizeUsd + limitShare
		pos.InitialSizeUsd = pos.SizeUsd
		pos.SizeContracts = pos.SizeUsd / pos.EntryPrice

		e.placeEntryLadder(ctx, pos, natrVal, limitShare)
		e.installTakeProfits(ctx, pos, natrVal, decision.TpNatrMultiplier)
		return pos, nil
	}

	return nil, fmt.Errorf("неизвестный режим входа: %s", e.cfg.EntryMode)
}

// signalFor собирает сигнал входа по плотности
func (e *Engine) signalFor(lo models.LargeOrder, sizeUsd float64) *models.Signal {
	return &models.Signal{
		Coin:           lo.Coin,
		Side:           sideForAnchor(lo.Side),
		Price:          lo.Price,
		SizeUsd:        sizeUsd,
		AnchorSide:     lo.Side,
		AnchorPrice:    lo.Price,
		AnchorValueUsd: lo.ValueUsd,
	}
}

// placeEntryLadder выставляет лестницу входных лимитных ордеров
func (e *Engine) placeEntryLadder(ctx context.Context, pos *models.Position, natrVal, sizeUsd float64) {
	levels := entryLimitLadder(pos.Side, pos.AnchorPrice, natrVal,
		e.cfg.EntryLimitNatrRange, e.cfg.EntryLimitProportions, sizeUsd)

	for _, level := range levels {
		order, err := e.exec.PlaceLimitOrder(ctx, pos.Coin, entryOrderSide(pos.Side),
			level.price, level.sizeUsd, models.PurposeEntry)
		if err != nil {
			logger.Error("Ошибка выставления входного лимитного ордера",
				zap.String("coin", pos.Coin), zap.Float64("price", level.price), zap.Error(err))
			continue
		}
		if order != nil {
			pos.EntryLimitOrders = append(pos.EntryLimitOrders, order)
		}
	}
}

// installTakeProfits устанавливает лестницу тейк-профитов: лимитную,
// если настроены tp_limit_proportions, иначе цели market-on-touch
func (e *Engine) installTakeProfits(ctx context.Context, pos *models.Position, natrVal, tpMultiplier float64) {
	if len(e.cfg.TpNatrLevels) == 0 {
		return
	}

	if len(e.cfg.TpLimitProportions) > 0 {
		levels := tpLimitLadder(pos.Side, pos.EntryPrice, pos.InitialSizeUsd, natrVal,
			tpMultiplier, e.cfg.TpNatrLevels, e.cfg.TpPercents, e.cfg.TpLimitProportions)
		for _, level := range levels {
			order, err := e.exec.PlaceLimitOrder(ctx, pos.Coin, exitOrderSide(pos.Side),
				level.price, level.sizeUsd, models.PurposeTp)
			if err != nil {
				logger.Error("Ошибка выставления TP-ордера",
					zap.String("coin", pos.Coin), zap.Float64("price", level.price), zap.Error(err))
				continue
			}
			if order != nil {
				pos.TpLimitOrders = append(pos.TpLimitOrders, order)
			}
		}
		return
	}

	pos.TpTargets = tpTargets(pos.Side, pos.EntryPrice, pos.InitialSizeUsd, natrVal,
		tpMultiplier, e.cfg.TpNatrLevels, e.cfg.TpPercents)
}

// subscribeTradeFlow подписывает монету на поток сделок один раз:
// последняя цена сделки служит запасным ориентиром супервизора PnL
func (e *Engine) subscribeTradeFlow(coin string) {
	if e.market == nil {
		return
	}

	e.mu.Lock()
	if e.tradeFlowSubs[coin] {
		e.mu.Unlock()
		return
	}
	e.tradeFlowSubs[coin] = true
	e.mu.Unlock()

	e.market.SubscribeTrades(coin, func(trades []models.TradeEvent) {
		if len(trades) == 0 {
			return
		}
		last := trades[len(trades)-1]
		if last.Price <= 0 {
			return
		}
		e.mu.Lock()
		e.lastTradePrice[coin] = last.Price
		e.mu.Unlock()
	})
}

// baseSize рассчитывает базовый размер позиции от риска и NATR
func (e *Engine) baseSize(natrVal float64) float64 {
	if e.cfg.MaxRiskPerTrade > 0 && natrVal > 0 && e.cfg.RiskNatrMultiplier > 0 {
		return e.cfg.MaxRiskPerTrade / ((natrVal * e.cfg.RiskNatrMultiplier) / 100)
	}
	return e.cfg.PositionSizeUsd
}

// entryFeatures собирает признаки для политики нового входа
func (e *Engine) entryFeatures(coin string, id anchor.ID) map[string]float64 {
	f := map[string]float64{
		"shock30mNatr":        e.features.NatrShock(coin, 30*time.Minute),
		"shock60mNatr":        e.features.NatrShock(coin, 60*time.Minute),
		"timeInAnchorZoneMin": 0,
		"timeSinceEntryMin":   0,
		"tpHitsCount":         0,
		"anchorTradeCount":    0,
		"anchorWinCount":      0,
	}
	if st, ok := e.memory.Get(id); ok {
		f["anchorTradeCount"] = float64(st.TotalTrades)
		f["anchorWinCount"] = float64(st.WinTrades)
		if !st.LastTradeAt.IsZero() {
			f["anchorLastTradeAgoMin"] = time.Since(st.LastTradeAt).Minutes()
		}
	}
	return f
}

// positionFeatures собирает признаки для политики открытой позиции
func (e *Engine) positionFeatures(pos *models.Position) map[string]float64 {
	id := anchor.NewID(pos.Coin, pos.AnchorPrice, pos.AnchorSide)
	f := e.entryFeatures(pos.Coin, id)
	lifetime := time.Since(pos.OpenedAt).Minutes()
	f["timeInAnchorZoneMin"] = lifetime
	f["timeSinceEntryMin"] = lifetime
	f["tpHitsCount"] = float64(pos.TpHitsCount())
	return f
}

// evaluatePolicy применяет правила; при выключенной политике — решение
// по умолчанию
func (e *Engine) evaluatePolicy(scope policy.Scope, features map[string]float64) policy.Decision {
	if !e.policyEnabled || e.rules == nil {
		return policy.Decision{
			AllowTrade:       true,
			SizeMultiplier:   1,
			TpNatrMultiplier: 1,
			SlNatrMultiplier: 1,
			Reason:           "default",
		}
	}
	return e.rules.Evaluate(scope, features)
}

// superviseOnce один проход супервизора PnL по открытым позициям.
// Ошибка по одной позиции не останавливает обработку остальных.
func (e *Engine) superviseOnce(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for coin, pos := range e.positions {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Паника в супервизоре PnL",
						zap.String("coin", coin), zap.Any("panic", r))
				}
			}()
			if e.cfg.Mode == config.ModeLive {
				e.pollLimitOrders(ctx, pos)
				if _, alive := e.positions[coin]; !alive {
					return
				}
			}
			e.supervisePosition(ctx, pos)
		}()
	}
}

// supervisePosition аварийный стоп по абсолютному убытку. Вызывается под mu.
func (e *Engine) supervisePosition(ctx context.Context, pos *models.Position) {
	if e.cfg.MaxRiskPerTrade <= 0 {
		return
	}

	mid := e.lastMid[pos.Coin]
	if mid <= 0 {
		// До первого среза опираемся на последнюю сделку
		mid = e.lastTradePrice[pos.Coin]
	}
	if mid <= 0 || pos.EntryPrice <= 0 {
		return
	}

	priceDiff := mid - pos.EntryPrice
	if pos.Side == models.PositionShort {
		priceDiff = pos.EntryPrice - mid
	}
	pnlPercent := priceDiff / pos.EntryPrice * 100
	pnlUsd := pos.SizeUsd * pnlPercent / 100

	if pnlUsd < -e.cfg.MaxRiskPerTrade {
		reason := fmt.Sprintf("emergency_stop_loss_pnl=%.2f", pnlUsd)
		logger.Warn("Аварийный стоп по убытку",
			zap.String("coin", pos.Coin), zap.Float64("pnl_usd", pnlUsd))
		e.finalizeClose(ctx, pos, reason, mid)
	}
}

// finalizeClose полностью закрывает позицию: отменяет живые ордера,
// отправляет рыночное закрытие остатка, пишет статистику и журнал,
// убирает позицию из реестра. Вызывается под mu.
func (e *Engine) finalizeClose(ctx context.Context, pos *models.Position, reason string, exitPrice float64) {
	for _, order := range pos.ActiveOrders() {
		if err := e.exec.CancelLimitOrder(ctx, order); err != nil {
			logger.Error("Ошибка отмены ордера при закрытии",
				zap.String("coin", pos.Coin), zap.String("order_id", order.OrderID), zap.Error(err))
		}
	}

	if pos.SizeUsd > 0 {
		if err := e.exec.ClosePosition(ctx, pos, 0, reason); err != nil {
			logger.Error("Ошибка закрытия позиции",
				zap.String("coin", pos.Coin), zap.String("reason", reason), zap.Error(err))
		}
		if exitPrice > 0 {
			pos.ExitTrades = append(pos.ExitTrades, models.TradeFill{
				Price:   exitPrice,
				SizeUsd: pos.SizeUsd,
				Time:    time.Now(),
			})
		}
		pos.SizeUsd = 0
	}

	e.recordClosed(ctx, pos, reason)
	delete(e.positions, pos.Coin)
}

// recordClosed считает итоговый PnL и пишет сделку в память плотностей,
// журнал и хранилище истории
func (e *Engine) recordClosed(ctx context.Context, pos *models.Position, reason string) {
	var pnlUsd, exitNotional, exitSize float64
	for _, fill := range pos.ExitTrades {
		diff := fill.Price - pos.EntryPrice
		if pos.Side == models.PositionShort {
			diff = pos.EntryPrice - fill.Price
		}
		if pos.EntryPrice > 0 {
			pnlUsd += fill.SizeUsd * diff / pos.EntryPrice
		}
		exitNotional += fill.Price * fill.SizeUsd
		exitSize += fill.SizeUsd
	}

	var exitPrice float64
	if exitSize > 0 {
		exitPrice = exitNotional / exitSize
	}
	var pnlPercent float64
	if pos.InitialSizeUsd > 0 {
		pnlPercent = pnlUsd / pos.InitialSizeUsd * 100
	}

	now := time.Now()
	trade := models.ClosedTrade{
		ClosedAt:    now,
		Coin:        pos.Coin,
		Side:        pos.Side,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exitPrice,
		SizeUsd:     pos.InitialSizeUsd,
		PnlUsd:      pnlUsd,
		PnlPercent:  pnlPercent,
		Reason:      reason,
		AnchorPrice: pos.AnchorPrice,
		AnchorSide:  pos.AnchorSide,
		DurationSec: int64(now.Sub(pos.OpenedAt).Seconds()),
	}

	e.memory.RecordTrade(anchor.NewID(pos.Coin, pos.AnchorPrice, pos.AnchorSide),
		pnlUsd, pnlPercent, pos.InitialSizeUsd, now)

	if e.journal != nil {
		if err := e.journal.Append(trade); err != nil {
			logger.Error("Ошибка записи в журнал сделок", zap.Error(err))
		}
	}
	if e.sink != nil {
		if err := e.sink.SaveClosedTrade(ctx, trade); err != nil {
			logger.Error("Ошибка записи сделки в хранилище", zap.Error(err))
		}
	}

	logger.Info("Позиция закрыта",
		zap.String("coin", pos.Coin), zap.String("reason", reason),
		zap.Float64("pnl_usd", pnlUsd), zap.Float64("pnl_percent", pnlPercent))
}
