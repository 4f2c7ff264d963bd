package detector

import (
	"strings"

	"github.com/arrow767/hyper-screener/pkg/models"
)

// Detector выделяет крупные заявки из срезов стакана
type Detector struct {
	minOrderSizeUsd    float64
	maxDistancePercent float64
	overrides          map[string]float64
}

// NewDetector создает детектор с общим порогом и переопределениями по монетам
func NewDetector(minOrderSizeUsd, maxDistancePercent float64, overrides map[string]float64) *Detector {
	if overrides == nil {
		overrides = make(map[string]float64)
	}
	return &Detector{
		minOrderSizeUsd:    minOrderSizeUsd,
		maxDistancePercent: maxDistancePercent,
		overrides:          overrides,
	}
}

// EffectiveMin возвращает действующий порог для монеты
func (d *Detector) EffectiveMin(coin string) float64 {
	if v, ok := d.overrides[strings.ToUpper(coin)]; ok {
		return v
	}
	return d.minOrderSizeUsd
}

// Inspect возвращает крупные заявки среза. Дедупликации нет: повторная
// плотность в следующем срезе будет выдана снова.
func (d *Detector) Inspect(snap *models.OrderBookSnapshot) []models.LargeOrder {
	mid, ok := snap.Mid()
	if !ok {
		return nil
	}

	minValue := d.EffectiveMin(snap.Coin)
	var out []models.LargeOrder

	for _, level := range snap.Bids {
		distance := (mid - level.Price) / mid * 100
		if order, ok := d.check(snap, models.BookSideBid, level, distance, minValue); ok {
			out = append(out, order)
		}
	}
	for _, level := range snap.Asks {
		distance := (level.Price - mid) / mid * 100
		if order, ok := d.check(snap, models.BookSideAsk, level, distance, minValue); ok {
			out = append(out, order)
		}
	}
	return out
}

func (d *Detector) check(snap *models.OrderBookSnapshot, side models.BookSide, level models.BookLevel, distance, minValue float64) (models.LargeOrder, bool) {
	value := level.Price * level.Size
	if value < minValue {
		return models.LargeOrder{}, false
	}
	if distance < 0 || distance > d.maxDistancePercent {
		return models.LargeOrder{}, false
	}
	return models.LargeOrder{
		Coin:            snap.Coin,
		Side:            side,
		Price:           level.Price,
		Size:            level.Size,
		ValueUsd:        value,
		DistancePercent: distance,
		Timestamp:       snap.Time,
	}, true
}
