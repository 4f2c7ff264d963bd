package anchor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/arrow767/hyper-screener/pkg/models"
)

// TestRecordTradeClassification сделки классифицируются по знаку PnL,
// нулевой PnL не попадает ни в выигрыши, ни в проигрыши
func TestRecordTradeClassification(t *testing.T) {
	m := NewMemory(filepath.Join(t.TempDir(), "anchors.json"))
	id := NewID("BTC", 50000, models.BookSideBid)
	now := time.Now()

	m.RecordTrade(id, 10, 1.0, 1000, now)
	m.RecordTrade(id, -5, -0.5, 1000, now.Add(time.Minute))
	m.RecordTrade(id, 0, 0, 1000, now.Add(2*time.Minute))

	st, ok := m.Get(id)
	if !ok {
		t.Fatal("статистика не найдена")
	}
	if st.TotalTrades != 3 || st.WinTrades != 1 || st.LossTrades != 1 {
		t.Errorf("счетчики = %d/%d/%d, ожидалось 3/1/1", st.TotalTrades, st.WinTrades, st.LossTrades)
	}
	if st.WinTrades+st.LossTrades > st.TotalTrades {
		t.Error("нарушен инвариант winTrades+lossTrades <= totalTrades")
	}
	if st.LastTradeAt.Before(st.FirstTradeAt) {
		t.Error("lastTradeAt не может быть раньше firstTradeAt")
	}
	if st.TotalPnlUsd != 5 {
		t.Errorf("TotalPnlUsd = %v, ожидалось 5", st.TotalPnlUsd)
	}
}

// TestPriceRounding близкие цены схлопываются в один ключ
func TestPriceRounding(t *testing.T) {
	m := NewMemory(filepath.Join(t.TempDir(), "anchors.json"))
	now := time.Now()

	m.RecordTrade(NewID("BTC", 50000.00001, models.BookSideBid), 1, 0.1, 100, now)
	m.RecordTrade(NewID("BTC", 50000.0, models.BookSideBid), 1, 0.1, 100, now)

	st, ok := m.Get(NewID("BTC", 50000, models.BookSideBid))
	if !ok {
		t.Fatal("статистика не найдена по каноническому ключу")
	}
	if st.TotalTrades != 2 {
		t.Errorf("TotalTrades = %d, ожидалось 2 (цены должны схлопнуться)", st.TotalTrades)
	}
}

// TestPersistReload перезагрузка из файла дает структурно равные данные
func TestPersistReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchors.json")
	id := NewID("ETH", 3000.1234, models.BookSideAsk)
	now := time.Now().UTC().Truncate(time.Second)

	m := NewMemory(path)
	m.RecordTrade(id, 42.5, 2.1, 777, now)

	reloaded := NewMemory(path)
	st, ok := reloaded.Get(id)
	if !ok {
		t.Fatal("статистика не пережила перезагрузку")
	}
	if st.TotalTrades != 1 || st.TotalPnlUsd != 42.5 || st.LastTradeSize != 777 {
		t.Errorf("данные после перезагрузки не совпали: %+v", st)
	}
	if !st.LastTradeAt.Equal(now) {
		t.Errorf("LastTradeAt = %v, ожидалось %v", st.LastTradeAt, now)
	}
}

// TestCanTrade лимит выигрышей блокирует повторную торговлю от плотности
func TestCanTrade(t *testing.T) {
	m := NewMemory(filepath.Join(t.TempDir(), "anchors.json"))
	id := NewID("ETH", 3000, models.BookSideBid)
	now := time.Now()

	if !m.CanTrade(id, 2) {
		t.Error("неизвестная плотность должна быть разрешена")
	}

	m.RecordTrade(id, 1, 0.1, 100, now)
	m.RecordTrade(id, 1, 0.1, 100, now)

	if m.CanTrade(id, 2) {
		t.Error("плотность с winTrades=2 при лимите 2 должна быть запрещена")
	}
	if !m.CanTrade(id, 0) {
		t.Error("нулевой лимит означает отсутствие ограничения")
	}
}
