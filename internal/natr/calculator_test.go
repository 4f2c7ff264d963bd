package natr

import (
	"math"
	"testing"

	"github.com/arrow767/hyper-screener/pkg/models"
)

// TestSeedBoundary первое значение NATR равно среднему арифметическому TR затравки
func TestSeedBoundary(t *testing.T) {
	calc := NewCalculator(3)

	candles := []models.Candle{
		{High: 110, Low: 100, Close: 105},
		{High: 112, Low: 104, Close: 108},
		{High: 109, Low: 101, Close: 103},
	}

	// TR1 = 10, TR2 = max(8, |112-105|, |104-105|) = 8, TR3 = max(8, |109-108|, |101-108|) = 8
	if _, ok := calc.Update("btc", candles[0]); ok {
		t.Error("NATR не должен публиковаться до накопления периода")
	}
	if _, ok := calc.Update("btc", candles[1]); ok {
		t.Error("NATR не должен публиковаться до накопления периода")
	}

	natr, ok := calc.Update("btc", candles[2])
	if !ok {
		t.Fatal("NATR должен появиться ровно на границе периода")
	}

	wantAtr := (10.0 + 8.0 + 8.0) / 3.0
	want := wantAtr / 103.0 * 100
	if math.Abs(natr-want) > 1e-9 {
		t.Errorf("NATR на затравке = %v, ожидалось %v", natr, want)
	}
}

// TestWilderSmoothing после затравки ATR сглаживается по Уайлдеру
func TestWilderSmoothing(t *testing.T) {
	calc := NewCalculator(2)

	calc.Update("ETH", models.Candle{High: 102, Low: 100, Close: 101}) // TR=2
	calc.Update("ETH", models.Candle{High: 103, Low: 99, Close: 100})  // TR=4, ATR=3

	natr, ok := calc.Update("ETH", models.Candle{High: 101, Low: 100, Close: 100}) // TR=1
	if !ok {
		t.Fatal("ожидалось значение NATR")
	}

	// ATR = (3*1 + 1) / 2 = 2
	want := 2.0 / 100.0 * 100
	if math.Abs(natr-want) > 1e-9 {
		t.Errorf("NATR = %v, ожидалось %v", natr, want)
	}
}

// TestCoinKeyUppercased ключ монеты приводится к верхнему регистру
func TestCoinKeyUppercased(t *testing.T) {
	calc := NewCalculator(1)
	calc.Update("sol", models.Candle{High: 11, Low: 10, Close: 10})

	if _, ok := calc.Get("SOL"); !ok {
		t.Error("значение должно находиться по ключу в верхнем регистре")
	}
	if _, ok := calc.Get("sol"); !ok {
		t.Error("значение должно находиться независимо от регистра запроса")
	}
}

// TestSuppressInvalid NATR не публикуется при нулевой цене закрытия и нулевом ATR
func TestSuppressInvalid(t *testing.T) {
	calc := NewCalculator(1)

	if _, ok := calc.Update("X", models.Candle{High: 10, Low: 5, Close: 0}); ok {
		t.Error("NATR не должен публиковаться при close <= 0")
	}

	calc2 := NewCalculator(1)
	if _, ok := calc2.Update("Y", models.Candle{High: 10, Low: 10, Close: 10}); ok {
		t.Error("NATR не должен публиковаться при нулевом TR")
	}
}

// TestGetDoesNotAdvance Get не изменяет состояние
func TestGetDoesNotAdvance(t *testing.T) {
	calc := NewCalculator(1)
	want, _ := calc.Update("BTC", models.Candle{High: 12, Low: 10, Close: 11})

	for i := 0; i < 3; i++ {
		got, ok := calc.Get("BTC")
		if !ok || got != want {
			t.Fatalf("Get вернул %v, ожидалось %v", got, want)
		}
	}
}
