package natr

import (
	"math"
	"strings"
	"sync"

	"github.com/arrow767/hyper-screener/pkg/models"
)

// Calculator инкрементально считает NATR по методу Уайлдера для набора монет
type Calculator struct {
	mu     sync.Mutex
	period int
	states map[string]*coinState
}

// coinState накапливаемое состояние расчета по одной монете
type coinState struct {
	trHistory []float64
	lastClose float64
	hasClose  bool
	atr       float64
	seeded    bool
	lastNatr  float64
	hasNatr   bool
}

// NewCalculator создает калькулятор с заданным периодом ATR
func NewCalculator(period int) *Calculator {
	if period <= 0 {
		period = 14
	}
	return &Calculator{
		period: period,
		states: make(map[string]*coinState),
	}
}

// Update обрабатывает закрытую свечу и возвращает новое значение NATR.
// До накопления полного периода и при невалидных значениях возвращает false.
func (c *Calculator) Update(coin string, candle models.Candle) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := strings.ToUpper(coin)
	st, ok := c.states[key]
	if !ok {
		st = &coinState{}
		c.states[key] = st
	}

	// True Range: для первой свечи просто high-low
	tr := candle.High - candle.Low
	if st.hasClose {
		tr = math.Max(tr, math.Max(
			math.Abs(candle.High-st.lastClose),
			math.Abs(candle.Low-st.lastClose),
		))
	}
	st.lastClose = candle.Close
	st.hasClose = true

	if !st.seeded {
		st.trHistory = append(st.trHistory, tr)
		if len(st.trHistory) < c.period {
			return 0, false
		}
		// Затравка ATR — среднее арифметическое первых period значений TR
		var sum float64
		for _, v := range st.trHistory {
			sum += v
		}
		st.atr = sum / float64(len(st.trHistory))
		st.trHistory = nil
		st.seeded = true
	} else {
		// Сглаживание Уайлдера
		st.atr = (st.atr*float64(c.period-1) + tr) / float64(c.period)
	}

	if candle.Close <= 0 {
		return 0, false
	}
	natr := st.atr / candle.Close * 100
	if math.IsNaN(natr) || math.IsInf(natr, 0) || natr <= 0 {
		return 0, false
	}

	st.lastNatr = natr
	st.hasNatr = true
	return natr, true
}

// Get возвращает последнее рассчитанное значение NATR без изменения состояния
func (c *Calculator) Get(coin string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[strings.ToUpper(coin)]
	if !ok || !st.hasNatr {
		return 0, false
	}
	return st.lastNatr, true
}
