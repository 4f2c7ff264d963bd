package trading

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/arrow767/hyper-screener/pkg/models"
)

// sideForAnchor плотность на бидах дает лонг, на асках — шорт
func sideForAnchor(anchorSide models.BookSide) models.PositionSide {
	if anchorSide == models.BookSideBid {
		return models.PositionLong
	}
	return models.PositionShort
}

// entryOrderSide сторона входного ордера для направления позиции
func entryOrderSide(side models.PositionSide) models.OrderSide {
	if side == models.PositionLong {
		return models.OrderBuy
	}
	return models.OrderSell
}

// exitOrderSide сторона закрывающего ордера для направления позиции
func exitOrderSide(side models.PositionSide) models.OrderSide {
	if side == models.PositionLong {
		return models.OrderSell
	}
	return models.OrderBuy
}

// anchorMinValue нижняя граница значимости плотности
func anchorMinValue(initialValueUsd, fraction, minUsd float64) float64 {
	return math.Max(initialValueUsd*fraction, minUsd)
}

// newPendingPosition создает позицию без рыночного исполнения для
// лимитного режима входа
func newPendingPosition(lo models.LargeOrder, sizeUsd float64) *models.Position {
	return &models.Position{
		ID:             uuid.NewString(),
		Coin:           lo.Coin,
		Side:           sideForAnchor(lo.Side),
		EntryPrice:     lo.Price,
		SizeUsd:        sizeUsd,
		SizeContracts:  sizeUsd / lo.Price,
		InitialSizeUsd: sizeUsd,
		OpenedAt:       time.Now(),
		AnchorSide:     lo.Side,
		AnchorPrice:    lo.Price,
	}
}

// ladderLevel уровень лестницы лимитных ордеров
type ladderLevel struct {
	price   float64
	sizeUsd float64
}

// entryLimitLadder строит лестницу входных лимитных ордеров между
// anchorPrice + natrStep*minNatr и anchorPrice + natrStep*maxNatr.
// Отрицательные значения NATR-диапазона кладут ордера за плотностью.
// Уровни с невалидной ценой отбрасываются.
func entryLimitLadder(side models.PositionSide, anchorPrice, natr float64, natrRange []float64, proportions []float64, totalSizeUsd float64) []ladderLevel {
	if totalSizeUsd <= 0 || anchorPrice <= 0 || natr <= 0 {
		return nil
	}

	minNatr, maxNatr := 0.0, 0.0
	if len(natrRange) == 2 {
		minNatr, maxNatr = natrRange[0], natrRange[1]
	}
	if len(proportions) == 0 {
		proportions = []float64{100}
	}

	natrStep := anchorPrice * natr / 100
	n := len(proportions)

	var totalWeight float64
	for _, p := range proportions {
		totalWeight += p
	}
	if totalWeight <= 0 {
		return nil
	}

	levels := make([]ladderLevel, 0, n)
	for i := 0; i < n; i++ {
		// Равномерная сетка от minNatr до maxNatr, середина при n=1
		offset := (minNatr + maxNatr) / 2
		if n > 1 {
			offset = minNatr + (maxNatr-minNatr)*float64(i)/float64(n-1)
		}

		price := anchorPrice + natrStep*offset
		if side == models.PositionShort {
			price = anchorPrice - natrStep*offset
		}
		if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
			continue
		}

		levels = append(levels, ladderLevel{
			price:   price,
			sizeUsd: totalSizeUsd * proportions[i] / totalWeight,
		})
	}
	return levels
}

// tpLimitLadder строит лестницу тейк-профитов: для каждой пары
// (level, percent) цена отстоит от входа на natr*level процентов,
// объем уровня дробится по proportions
func tpLimitLadder(side models.PositionSide, entryPrice, initialSizeUsd, natr, tpMultiplier float64, natrLevels, percents, proportions []float64) []ladderLevel {
	if entryPrice <= 0 || initialSizeUsd <= 0 || natr <= 0 {
		return nil
	}
	if len(natrLevels) == 0 || len(natrLevels) != len(percents) {
		return nil
	}
	if len(proportions) == 0 {
		proportions = []float64{100}
	}

	var totalWeight float64
	for _, p := range proportions {
		totalWeight += p
	}
	if totalWeight <= 0 {
		return nil
	}

	var levels []ladderLevel
	for i, level := range natrLevels {
		offset := entryPrice * natr / 100 * level * tpMultiplier
		price := entryPrice + offset
		if side == models.PositionShort {
			price = entryPrice - offset
		}
		if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
			continue
		}

		chunk := initialSizeUsd * percents[i] / 100
		for _, p := range proportions {
			levels = append(levels, ladderLevel{
				price:   price,
				sizeUsd: chunk * p / totalWeight,
			})
		}
	}
	return levels
}

// tpTargets строит цели тейк-профита для режима market-on-touch
func tpTargets(side models.PositionSide, entryPrice, initialSizeUsd, natr, tpMultiplier float64, natrLevels, percents []float64) []*models.TpTarget {
	if entryPrice <= 0 || initialSizeUsd <= 0 || natr <= 0 {
		return nil
	}
	if len(natrLevels) == 0 || len(natrLevels) != len(percents) {
		return nil
	}

	targets := make([]*models.TpTarget, 0, len(natrLevels))
	for i, level := range natrLevels {
		offset := entryPrice * natr / 100 * level * tpMultiplier
		price := entryPrice + offset
		if side == models.PositionShort {
			price = entryPrice - offset
		}
		if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
			continue
		}
		targets = append(targets, &models.TpTarget{
			Price:   price,
			SizeUsd: initialSizeUsd * percents[i] / 100,
		})
	}
	return targets
}
