package trading

import (
	"fmt"

	"github.com/arrow767/hyper-screener/pkg/models"
)

// RiskManager проверяет лимиты перед открытием позиции
type RiskManager struct {
	maxOpenPositions int
}

// NewRiskManager создает менеджер рисков
func NewRiskManager(maxOpenPositions int) *RiskManager {
	return &RiskManager{maxOpenPositions: maxOpenPositions}
}

// CanOpenPosition разрешает открытие: не превышен лимит открытых позиций
// и по монете еще нет позиции
func (r *RiskManager) CanOpenPosition(coin string, open map[string]*models.Position) error {
	if _, ok := open[coin]; ok {
		return fmt.Errorf("по монете %s уже есть открытая позиция", coin)
	}
	if r.maxOpenPositions > 0 && len(open) >= r.maxOpenPositions {
		return fmt.Errorf("достигнут лимит открытых позиций: %d", r.maxOpenPositions)
	}
	return nil
}
