package trading

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arrow767/hyper-screener/internal/anchor"
	"github.com/arrow767/hyper-screener/internal/config"
	"github.com/arrow767/hyper-screener/internal/execution"
	"github.com/arrow767/hyper-screener/internal/natr"
	"github.com/arrow767/hyper-screener/internal/policy"
	"github.com/arrow767/hyper-screener/pkg/models"
)

// captureJournal собирает закрытые сделки в памяти
type captureJournal struct {
	trades []models.ClosedTrade
}

func (j *captureJournal) Append(trade models.ClosedTrade) error {
	j.trades = append(j.trades, trade)
	return nil
}

func (j *captureJournal) lastReason() string {
	if len(j.trades) == 0 {
		return ""
	}
	return j.trades[len(j.trades)-1].Reason
}

func baseConfig() config.TradingConfig {
	return config.TradingConfig{
		Enabled:                true,
		Mode:                   config.ModePaper,
		Venue:                  config.VenuePaper,
		EntryMode:              config.EntryMarket,
		PositionSizeUsd:        1000,
		MaxOpenPositions:       2,
		NatrPeriod:             1,
		RiskNatrMultiplier:     1,
		AnchorMinValueFraction: 0.3,
		AnchorMinValueUsd:      500_000,
	}
}

// newTestEngine создает движок с бумажным исполнителем и затравленным NATR
func newTestEngine(t *testing.T, cfg config.TradingConfig, rules *policy.Engine, memory *anchor.Memory) (*Engine, *captureJournal) {
	t.Helper()

	calc := natr.NewCalculator(1)
	// NATR = 1%: TR = 500, close = 50000
	calc.Update("BTC", models.Candle{High: 50500, Low: 50000, Close: 50000})
	// NATR = 1%: TR = 1, close = 100
	calc.Update("TPC", models.Candle{High: 101, Low: 100, Close: 100})
	calc.Update("ETH", models.Candle{High: 3030, Low: 3000, Close: 3000})

	if memory == nil {
		memory = anchor.NewMemory(filepath.Join(t.TempDir(), "anchors.json"))
	}
	journal := &captureJournal{}

	engine := NewEngine(cfg, rules != nil, execution.NewPaperEngine(), calc,
		policy.NewFeatures(), rules, memory, journal, nil, nil)
	return engine, journal
}

func btcLargeOrder() models.LargeOrder {
	return models.LargeOrder{
		Coin:            "BTC",
		Side:            models.BookSideBid,
		Price:           50000,
		Size:            60,
		ValueUsd:        3_000_000,
		DistancePercent: 0.01,
		Timestamp:       time.Now(),
	}
}

func snap(coin string, bids, asks []models.BookLevel) *models.OrderBookSnapshot {
	return &models.OrderBookSnapshot{Coin: coin, Time: time.Now(), Bids: bids, Asks: asks}
}

// TestScenarioAEntry плотность на биде дает лонг по цене плотности
func TestScenarioAEntry(t *testing.T) {
	engine, _ := newTestEngine(t, baseConfig(), nil, nil)
	ctx := context.Background()

	engine.HandleLargeOrder(ctx, btcLargeOrder())

	pos, ok := engine.positions["BTC"]
	if !ok {
		t.Fatal("позиция не открыта")
	}
	if pos.Side != models.PositionLong {
		t.Errorf("сторона = %s, ожидался лонг", pos.Side)
	}
	if pos.EntryPrice != 50000 || pos.SizeUsd != 1000 {
		t.Errorf("вход %v/%v, ожидалось 50000/1000", pos.EntryPrice, pos.SizeUsd)
	}
	// anchorMinValueUsd = max(3000000*0.3, 500000)
	if pos.AnchorMinValueUsd != 900_000 {
		t.Errorf("AnchorMinValueUsd = %v, ожидалось 900000", pos.AnchorMinValueUsd)
	}
	if len(engine.pending) != 0 {
		t.Error("набор pending должен быть пуст после входа")
	}
}

// TestScenarioBAnchorRemovedInView плотность снята внутри видимого окна
func TestScenarioBAnchorRemovedInView(t *testing.T) {
	engine, journal := newTestEngine(t, baseConfig(), nil, nil)
	ctx := context.Background()
	engine.HandleLargeOrder(ctx, btcLargeOrder())

	engine.HandleSnapshot(ctx, snap("BTC",
		[]models.BookLevel{{Price: 50004, Size: 1}, {Price: 50002, Size: 1}, {Price: 49995, Size: 1}},
		[]models.BookLevel{{Price: 50006, Size: 1}},
	))

	if _, open := engine.positions["BTC"]; open {
		t.Fatal("позиция должна быть закрыта")
	}
	if journal.lastReason() != "anchor_removed_from_book_in_view" {
		t.Errorf("причина = %q", journal.lastReason())
	}
}

// TestScenarioCAnchorOutOfViewProfitSide плотность за окном в сторону
// профита — позиция держится
func TestScenarioCAnchorOutOfViewProfitSide(t *testing.T) {
	engine, journal := newTestEngine(t, baseConfig(), nil, nil)
	ctx := context.Background()
	engine.HandleLargeOrder(ctx, btcLargeOrder())

	// Цена ушла вверх: окно бидов [50050, 50100], плотность 50000 ниже
	engine.HandleSnapshot(ctx, snap("BTC",
		[]models.BookLevel{{Price: 50100, Size: 1}, {Price: 50050, Size: 1}},
		[]models.BookLevel{{Price: 50101, Size: 1}},
	))

	if _, open := engine.positions["BTC"]; !open {
		t.Fatalf("позиция не должна закрываться, причина: %q", journal.lastReason())
	}
}

// TestAnchorLostAgainst цена прошла сквозь плотность против позиции
func TestAnchorLostAgainst(t *testing.T) {
	engine, journal := newTestEngine(t, baseConfig(), nil, nil)
	ctx := context.Background()
	engine.HandleLargeOrder(ctx, btcLargeOrder())

	// Окно бидов [48950, 49000], плотность 50000 выше maxVisible
	engine.HandleSnapshot(ctx, snap("BTC",
		[]models.BookLevel{{Price: 49000, Size: 1}, {Price: 48950, Size: 1}},
		[]models.BookLevel{{Price: 49001, Size: 1}},
	))

	if _, open := engine.positions["BTC"]; open {
		t.Fatal("позиция должна быть закрыта")
	}
	if journal.lastReason() != "anchor_lost_out_of_view_against" {
		t.Errorf("причина = %q", journal.lastReason())
	}
}

// TestAnchorValueBelowThreshold равенство порогу закрывает (<=, не <)
func TestAnchorValueBelowThreshold(t *testing.T) {
	engine, journal := newTestEngine(t, baseConfig(), nil, nil)
	ctx := context.Background()
	engine.HandleLargeOrder(ctx, btcLargeOrder())

	// value = 50000*18 = 900000 == anchorMinValueUsd
	engine.HandleSnapshot(ctx, snap("BTC",
		[]models.BookLevel{{Price: 50002, Size: 1}, {Price: 50000, Size: 18}},
		[]models.BookLevel{{Price: 50004, Size: 1}},
	))

	if _, open := engine.positions["BTC"]; open {
		t.Fatal("равенство порогу должно закрывать позицию")
	}
	if journal.lastReason() != "anchor_value_below_threshold" {
		t.Errorf("причина = %q", journal.lastReason())
	}
}

// TestAnchorAtWindowEdgeInRange плотность ровно на границе окна — в окне
func TestAnchorAtWindowEdgeInRange(t *testing.T) {
	engine, _ := newTestEngine(t, baseConfig(), nil, nil)
	ctx := context.Background()
	engine.HandleLargeOrder(ctx, btcLargeOrder())

	// minVisible = 50000 == anchorPrice, плотность жива и жирная
	engine.HandleSnapshot(ctx, snap("BTC",
		[]models.BookLevel{{Price: 50004, Size: 1}, {Price: 50000, Size: 60}},
		[]models.BookLevel{{Price: 50006, Size: 1}},
	))

	if _, open := engine.positions["BTC"]; !open {
		t.Fatal("плотность на границе окна считается видимой")
	}
}

// TestEmptySideSkipsUpdate пустая сторона стакана не дает ложных закрытий
func TestEmptySideSkipsUpdate(t *testing.T) {
	engine, _ := newTestEngine(t, baseConfig(), nil, nil)
	ctx := context.Background()
	engine.HandleLargeOrder(ctx, btcLargeOrder())

	engine.HandleSnapshot(ctx, snap("BTC", nil, []models.BookLevel{{Price: 50006, Size: 1}}))
	engine.HandleSnapshot(ctx, snap("BTC", []models.BookLevel{{Price: 50000, Size: 60}}, nil))

	if _, open := engine.positions["BTC"]; !open {
		t.Fatal("срез с пустой стороной должен пропускаться")
	}
}

// TestScenarioDTpLadder каскад market-on-touch: частичный и финальный TP
func TestScenarioDTpLadder(t *testing.T) {
	cfg := baseConfig()
	cfg.TpNatrLevels = []float64{2, 3}
	cfg.TpPercents = []float64{50, 50}
	engine, journal := newTestEngine(t, cfg, nil, nil)
	ctx := context.Background()

	engine.HandleLargeOrder(ctx, models.LargeOrder{
		Coin: "TPC", Side: models.BookSideBid, Price: 100, Size: 20000,
		ValueUsd: 2_000_000, Timestamp: time.Now(),
	})

	pos, ok := engine.positions["TPC"]
	if !ok {
		t.Fatal("позиция не открыта")
	}
	if len(pos.TpTargets) != 2 || pos.TpTargets[0].Price != 102 || pos.TpTargets[1].Price != 103 {
		t.Fatalf("цели TP: %+v", pos.TpTargets)
	}

	// mid = 102: первая цель срабатывает, позиция худеет до 500
	engine.HandleSnapshot(ctx, snap("TPC",
		[]models.BookLevel{{Price: 101.9, Size: 1}, {Price: 100, Size: 20000}},
		[]models.BookLevel{{Price: 102.1, Size: 1}},
	))

	if !pos.TpTargets[0].Hit {
		t.Fatal("первая цель должна сработать")
	}
	if pos.SizeUsd != 500 {
		t.Fatalf("после первого TP размер = %v, ожидалось 500", pos.SizeUsd)
	}
	if _, open := engine.positions["TPC"]; !open {
		t.Fatal("после частичного TP позиция жива")
	}

	// mid = 103: вторая цель, размер 0, финальное закрытие
	engine.HandleSnapshot(ctx, snap("TPC",
		[]models.BookLevel{{Price: 102.9, Size: 1}, {Price: 100, Size: 20000}},
		[]models.BookLevel{{Price: 103.1, Size: 1}},
	))

	if _, open := engine.positions["TPC"]; open {
		t.Fatal("после всех TP позиция должна быть закрыта")
	}
	if journal.lastReason() != "tp_all_hit" {
		t.Errorf("причина = %q", journal.lastReason())
	}
	// PnL = 500*2% + 500*3% = 25
	if got := journal.trades[0].PnlUsd; got < 24.99 || got > 25.01 {
		t.Errorf("PnlUsd = %v, ожидалось 25", got)
	}
}

// TestScenarioEPolicyVeto правило политики запрещает вход
func TestScenarioEPolicyVeto(t *testing.T) {
	memory := anchor.NewMemory(filepath.Join(t.TempDir(), "anchors.json"))
	id := anchor.NewID("ETH", 3000, models.BookSideBid)
	for i := 0; i < 5; i++ {
		memory.RecordTrade(id, 10, 1, 1000, time.Now())
	}

	allow := false
	rules := policy.NewEngine([]policy.Rule{{
		Name:     "anchor-win-limit",
		Priority: 1,
		Scope:    policy.ScopeNewEntry,
		When:     map[string]float64{"anchorWinCountGte": 5},
		Then:     policy.Actions{AllowTrade: &allow},
	}})

	engine, _ := newTestEngine(t, baseConfig(), rules, memory)
	ctx := context.Background()

	engine.HandleLargeOrder(ctx, models.LargeOrder{
		Coin: "ETH", Side: models.BookSideBid, Price: 3000, Size: 1000,
		ValueUsd: 3_000_000, Timestamp: time.Now(),
	})

	if len(engine.positions) != 0 {
		t.Error("политика должна была запретить вход")
	}
	if len(engine.pending) != 0 {
		t.Error("набор pending должен остаться чистым")
	}
}

// TestReentryGuard монета в pending или в позиции не открывается повторно
func TestReentryGuard(t *testing.T) {
	engine, _ := newTestEngine(t, baseConfig(), nil, nil)
	ctx := context.Background()

	// Монета в ожидании входа
	engine.mu.Lock()
	engine.pending["BTC"] = struct{}{}
	engine.mu.Unlock()

	engine.HandleLargeOrder(ctx, btcLargeOrder())
	if len(engine.positions) != 0 {
		t.Fatal("вход при монете в pending должен быть пропущен")
	}

	engine.mu.Lock()
	delete(engine.pending, "BTC")
	engine.mu.Unlock()

	engine.HandleLargeOrder(ctx, btcLargeOrder())
	if len(engine.positions) != 1 {
		t.Fatal("позиция должна открыться")
	}
	first := engine.positions["BTC"]

	engine.HandleLargeOrder(ctx, btcLargeOrder())
	if engine.positions["BTC"] != first {
		t.Error("повторная плотность не должна пересоздавать позицию")
	}
}

// TestNatrUnknownAbstains без NATR вход не происходит
func TestNatrUnknownAbstains(t *testing.T) {
	engine, _ := newTestEngine(t, baseConfig(), nil, nil)
	ctx := context.Background()

	engine.HandleLargeOrder(ctx, models.LargeOrder{
		Coin: "UNSEEDED", Side: models.BookSideBid, Price: 10, Size: 1_000_000,
		ValueUsd: 10_000_000, Timestamp: time.Now(),
	})

	if len(engine.positions) != 0 {
		t.Error("без NATR вход запрещен")
	}
}

// TestScreenOnlySkips режим SCREEN_ONLY не торгует
func TestScreenOnlySkips(t *testing.T) {
	cfg := baseConfig()
	cfg.Mode = config.ModeScreenOnly
	engine, _ := newTestEngine(t, cfg, nil, nil)

	engine.HandleLargeOrder(context.Background(), btcLargeOrder())
	if len(engine.positions) != 0 {
		t.Error("SCREEN_ONLY не должен открывать позиции")
	}
}

// TestEmergencyStopLoss супервизор закрывает позицию при превышении риска
func TestEmergencyStopLoss(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxRiskPerTrade = 10
	engine, journal := newTestEngine(t, cfg, nil, nil)
	ctx := context.Background()

	engine.HandleLargeOrder(ctx, btcLargeOrder())
	pos := engine.positions["BTC"]
	if pos == nil {
		t.Fatal("позиция не открыта")
	}
	// base = 10 / ((1*1)/100) = 1000
	if pos.SizeUsd != 1000 {
		t.Fatalf("размер от риска = %v, ожидалось 1000", pos.SizeUsd)
	}

	// Убыток 2%: pnlUsd = -20 < -10
	engine.mu.Lock()
	engine.lastMid["BTC"] = 49000
	engine.mu.Unlock()

	engine.superviseOnce(ctx)

	if _, open := engine.positions["BTC"]; open {
		t.Fatal("аварийный стоп должен закрыть позицию")
	}
	if !strings.HasPrefix(journal.lastReason(), "emergency_stop_loss_pnl=") {
		t.Errorf("причина = %q", journal.lastReason())
	}
	if journal.trades[0].PnlUsd > -19.99 {
		t.Errorf("PnlUsd = %v, ожидалось около -20", journal.trades[0].PnlUsd)
	}
}

// TestLimitEntryMode лестница входа, симуляция исполнения и TP после
// первого исполнения
func TestLimitEntryMode(t *testing.T) {
	cfg := baseConfig()
	cfg.EntryMode = config.EntryLimit
	cfg.EntryLimitNatrRange = []float64{-0.5, 0.5}
	cfg.EntryLimitProportions = []float64{50, 50}
	cfg.TpNatrLevels = []float64{2, 3}
	cfg.TpPercents = []float64{50, 50}
	cfg.TpLimitProportions = []float64{100}
	engine, journal := newTestEngine(t, cfg, nil, nil)
	ctx := context.Background()

	engine.HandleLargeOrder(ctx, models.LargeOrder{
		Coin: "TPC", Side: models.BookSideBid, Price: 100, Size: 20000,
		ValueUsd: 2_000_000, Timestamp: time.Now(),
	})

	pos := engine.positions["TPC"]
	if pos == nil {
		t.Fatal("позиция лимитного режима не создана")
	}
	if pos.MarketFilledSizeUsd != 0 {
		t.Error("в лимитном режиме рыночного исполнения нет")
	}
	if len(pos.EntryLimitOrders) != 2 {
		t.Fatalf("входных ордеров: %d, ожидалось 2", len(pos.EntryLimitOrders))
	}
	if len(pos.TpLimitOrders) != 0 {
		t.Fatal("TP до первого исполнения входа не ставится")
	}

	// mid = 100.25 <= 100.5: исполняется верхний входной ордер
	engine.HandleSnapshot(ctx, snap("TPC",
		[]models.BookLevel{{Price: 100.2, Size: 1}, {Price: 100, Size: 20000}},
		[]models.BookLevel{{Price: 100.3, Size: 1}},
	))

	if pos.LimitFilledSizeUsd != 500 {
		t.Fatalf("исполнено лимитом: %v, ожидалось 500", pos.LimitFilledSizeUsd)
	}
	if len(pos.TpLimitOrders) == 0 {
		t.Fatal("после первого исполнения входа должна появиться TP-лестница")
	}

	// mid = 103.5: оба TP-ордера (102 и 103) исполняются, позиция закрыта
	engine.HandleSnapshot(ctx, snap("TPC",
		[]models.BookLevel{{Price: 103.4, Size: 1}, {Price: 100, Size: 20000}},
		[]models.BookLevel{{Price: 103.6, Size: 1}},
	))

	if _, open := engine.positions["TPC"]; open {
		t.Fatal("после исполнения всех TP позиция должна быть закрыта")
	}
	if journal.lastReason() != "tp_limit_all_hit" {
		t.Errorf("причина = %q", journal.lastReason())
	}
}

// TestMixedEntryMode рыночная и лимитная части входа делятся по процентам
func TestMixedEntryMode(t *testing.T) {
	cfg := baseConfig()
	cfg.EntryMode = config.EntryMixed
	cfg.EntryMarketPercent = 50
	cfg.EntryLimitPercent = 50
	cfg.EntryLimitNatrRange = []float64{-0.5, 0.5}
	cfg.EntryLimitProportions = []float64{100}
	cfg.TpNatrLevels = []float64{2}
	cfg.TpPercents = []float64{100}
	engine, _ := newTestEngine(t, cfg, nil, nil)
	ctx := context.Background()

	engine.HandleLargeOrder(ctx, models.LargeOrder{
		Coin: "TPC", Side: models.BookSideBid, Price: 100, Size: 20000,
		ValueUsd: 2_000_000, Timestamp: time.Now(),
	})

	pos := engine.positions["TPC"]
	if pos == nil {
		t.Fatal("позиция смешанного режима не создана")
	}
	if pos.MarketFilledSizeUsd != 500 {
		t.Errorf("рыночная часть = %v, ожидалось 500", pos.MarketFilledSizeUsd)
	}
	if pos.SizeUsd != 1000 || pos.InitialSizeUsd != 1000 {
		t.Errorf("общий размер = %v/%v, ожидалось 1000", pos.SizeUsd, pos.InitialSizeUsd)
	}
	if len(pos.EntryLimitOrders) != 1 || pos.EntryLimitOrders[0].SizeUsd != 500 {
		t.Errorf("лимитная часть: %+v", pos.EntryLimitOrders)
	}
	if len(pos.TpTargets) == 0 {
		t.Error("в смешанном режиме TP ставится сразу")
	}
}

// TestDisabledTrading торговля выключена — плотности игнорируются
func TestDisabledTrading(t *testing.T) {
	cfg := baseConfig()
	cfg.Enabled = false
	engine, _ := newTestEngine(t, cfg, nil, nil)

	engine.HandleLargeOrder(context.Background(), btcLargeOrder())
	if len(engine.positions) != 0 {
		t.Error("при выключенной торговле позиции не открываются")
	}
}

// TestSizeMonotonicNonIncreasing размер позиции никогда не растет
func TestSizeMonotonicNonIncreasing(t *testing.T) {
	cfg := baseConfig()
	cfg.TpNatrLevels = []float64{2, 3}
	cfg.TpPercents = []float64{50, 50}
	engine, _ := newTestEngine(t, cfg, nil, nil)
	ctx := context.Background()

	engine.HandleLargeOrder(ctx, models.LargeOrder{
		Coin: "TPC", Side: models.BookSideBid, Price: 100, Size: 20000,
		ValueUsd: 2_000_000, Timestamp: time.Now(),
	})
	pos := engine.positions["TPC"]
	prev := pos.SizeUsd

	mids := []float64{100.5, 101, 102, 102.5}
	for _, m := range mids {
		engine.HandleSnapshot(ctx, snap("TPC",
			[]models.BookLevel{{Price: m - 0.1, Size: 1}, {Price: 100, Size: 20000}},
			[]models.BookLevel{{Price: m + 0.1, Size: 1}},
		))
		if pos.SizeUsd > prev {
			t.Fatalf("размер вырос: %v -> %v", prev, pos.SizeUsd)
		}
		if pos.SizeUsd > pos.InitialSizeUsd {
			t.Fatalf("размер превысил начальный: %v > %v", pos.SizeUsd, pos.InitialSizeUsd)
		}
		prev = pos.SizeUsd
	}
}
