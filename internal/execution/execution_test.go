package execution

import (
	"context"
	"testing"

	"github.com/arrow767/hyper-screener/pkg/models"
)

// TestNormalizePrice цена приводится вниз к сетке тика
func TestNormalizePrice(t *testing.T) {
	cases := []struct {
		price, tick, want float64
	}{
		{50000.37, 0.1, 50000.3},
		{50000.37, 0.5, 50000.0},
		{3000.123, 0.001, 3000.123},
		{100, 0, 100},
		{0.12345, 0.0001, 0.1234},
	}

	for _, tc := range cases {
		if got := NormalizePrice(tc.price, tc.tick); got != tc.want {
			t.Errorf("NormalizePrice(%v, %v) = %v, ожидалось %v", tc.price, tc.tick, got, tc.want)
		}
	}
}

// TestNormalizeQty объем приводится вниз к шагу и проверяется minQty
func TestNormalizeQty(t *testing.T) {
	cases := []struct {
		qty, step, minQty, want float64
	}{
		{0.0567, 0.001, 0.001, 0.056},
		{0.0567, 0.001, 0.1, 0},
		{0.0004, 0.001, 0.001, 0},
		{5, 1, 1, 5},
		{2.5, 0, 1, 2.5},
		{-1, 0.001, 0.001, 0},
	}

	for _, tc := range cases {
		if got := NormalizeQty(tc.qty, tc.step, tc.minQty); got != tc.want {
			t.Errorf("NormalizeQty(%v, %v, %v) = %v, ожидалось %v", tc.qty, tc.step, tc.minQty, got, tc.want)
		}
	}
}

// TestPaperOpenPosition бумажный вход исполняется по цене сигнала
func TestPaperOpenPosition(t *testing.T) {
	e := NewPaperEngine()

	pos, err := e.OpenPosition(context.Background(), &models.Signal{
		Coin:        "BTC",
		Side:        models.PositionLong,
		Price:       50000,
		SizeUsd:     1000,
		AnchorSide:  models.BookSideBid,
		AnchorPrice: 50000,
	})
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if pos == nil {
		t.Fatal("позиция не открыта")
	}
	if pos.EntryPrice != 50000 || pos.SizeUsd != 1000 || pos.InitialSizeUsd != 1000 {
		t.Errorf("неожиданная позиция: %+v", pos)
	}
	if pos.MarketFilledSizeUsd != 1000 {
		t.Errorf("MarketFilledSizeUsd = %v", pos.MarketFilledSizeUsd)
	}
	if pos.ID == "" {
		t.Error("позиция без идентификатора")
	}
}

// TestPaperOpenPositionZeroSize нулевой размер дает nil без ошибки
func TestPaperOpenPositionZeroSize(t *testing.T) {
	e := NewPaperEngine()
	pos, err := e.OpenPosition(context.Background(), &models.Signal{Coin: "BTC", Price: 50000})
	if err != nil || pos != nil {
		t.Errorf("ожидалось (nil, nil), получено (%v, %v)", pos, err)
	}
}

// TestPaperCancelIdempotent повторная отмена — no-op без ошибки
func TestPaperCancelIdempotent(t *testing.T) {
	e := NewPaperEngine()
	ctx := context.Background()

	order, err := e.PlaceLimitOrder(ctx, "ETH", models.OrderBuy, 3000, 500, models.PurposeEntry)
	if err != nil || order == nil {
		t.Fatalf("ордер не выставлен: %v", err)
	}

	if err := e.CancelLimitOrder(ctx, order); err != nil {
		t.Fatalf("первая отмена: %v", err)
	}
	if !order.Cancelled {
		t.Fatal("ордер должен быть отменен")
	}
	firstAt := order.CancelledAt

	if err := e.CancelLimitOrder(ctx, order); err != nil {
		t.Fatalf("повторная отмена должна быть no-op: %v", err)
	}
	if order.CancelledAt != firstAt {
		t.Error("повторная отмена не должна менять время отмены")
	}
}

// TestPaperLimitOrderTerminalStates filled и cancelled взаимоисключающие
func TestPaperLimitOrderTerminalStates(t *testing.T) {
	e := NewPaperEngine()
	ctx := context.Background()

	order, _ := e.PlaceLimitOrder(ctx, "ETH", models.OrderSell, 3100, 500, models.PurposeTp)
	order.MarkFilled(order.PlacedAt)

	if err := e.CancelLimitOrder(ctx, order); err != nil {
		t.Fatalf("отмена исполненного ордера: %v", err)
	}
	if order.Cancelled {
		t.Error("исполненный ордер не может стать отмененным")
	}

	filled, err := e.CheckLimitOrderStatus(ctx, order)
	if err != nil || !filled {
		t.Error("статус исполненного ордера должен быть filled")
	}
}
