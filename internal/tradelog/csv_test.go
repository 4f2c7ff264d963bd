package tradelog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arrow767/hyper-screener/pkg/models"
)

// TestAppendCreatesDailyFile файл дня создается с заголовком один раз
func TestAppendCreatesDailyFile(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	closedAt := time.Date(2024, 3, 15, 12, 30, 0, 0, time.UTC)
	trade := models.ClosedTrade{
		ClosedAt:    closedAt,
		Coin:        "BTC",
		Side:        models.PositionLong,
		EntryPrice:  50000,
		ExitPrice:   50100,
		SizeUsd:     1000,
		PnlUsd:      2,
		PnlPercent:  0.2,
		Reason:      "tp_all_hit",
		AnchorPrice: 50000,
		AnchorSide:  models.BookSideBid,
		DurationSec: 120,
	}

	if err := w.Append(trade); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(trade); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "trades_2024-03-15.csv"))
	if err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("строк в файле: %d, ожидалось 3 (заголовок + 2 сделки)", len(lines))
	}
	if !strings.HasPrefix(lines[0], "closed_at,coin,side") {
		t.Errorf("неожиданный заголовок: %s", lines[0])
	}
	if !strings.Contains(lines[1], "BTC,long,50000,50100,1000,2,0.2,tp_all_hit") {
		t.Errorf("неожиданная строка сделки: %s", lines[1])
	}
}

// TestEscapeField значения с запятыми и кавычками экранируются
func TestEscapeField(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"a,b", "\"a,b\""},
		{"say \"hi\"", "\"say \"\"hi\"\"\""},
		{"line\nbreak", "\"line\nbreak\""},
	}

	for _, tc := range cases {
		if got := escapeField(tc.in); got != tc.want {
			t.Errorf("escapeField(%q) = %q, ожидалось %q", tc.in, got, tc.want)
		}
	}
}

// TestReasonWithComma причина с запятой не ломает структуру строки
func TestReasonWithComma(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	trade := models.ClosedTrade{
		ClosedAt: time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC),
		Coin:     "ETH",
		Reason:   "rule-a,rule-b",
	}
	if err := w.Append(trade); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(filepath.Join(dir, "trades_2024-03-16.csv"))
	if !strings.Contains(string(data), "\"rule-a,rule-b\"") {
		t.Errorf("причина должна быть экранирована: %s", data)
	}
}
