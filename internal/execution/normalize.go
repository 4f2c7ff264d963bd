package execution

import (
	"github.com/shopspring/decimal"
)

// NormalizePrice приводит цену к сетке tickSize биржи (вниз).
// При нулевом тике цена возвращается как есть.
func NormalizePrice(price, tick float64) float64 {
	if tick <= 0 || price <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	steps := p.Div(t).Floor()
	v, _ := steps.Mul(t).Float64()
	return v
}

// NormalizeQty приводит объем к сетке stepSize (вниз) и проверяет minQty.
// Возвращает 0, если после нормализации объем меньше минимального.
func NormalizeQty(qty, step, minQty float64) float64 {
	if qty <= 0 {
		return 0
	}
	normalized := qty
	if step > 0 {
		q := decimal.NewFromFloat(qty)
		s := decimal.NewFromFloat(step)
		steps := q.Div(s).Floor()
		normalized, _ = steps.Mul(s).Float64()
	}
	if normalized <= 0 {
		return 0
	}
	if minQty > 0 && normalized < minQty {
		return 0
	}
	return normalized
}
