package anchor

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arrow767/hyper-screener/pkg/logger"
	"github.com/arrow767/hyper-screener/pkg/models"
)

// ID идентификатор плотности. Цена канонически округлена до 1e-4,
// равенство структурное по всем трем полям.
type ID struct {
	Coin  string          `json:"coin"`
	Price float64         `json:"price"`
	Side  models.BookSide `json:"side"`
}

// NewID создает идентификатор плотности с канонической ценой
func NewID(coin string, price float64, side models.BookSide) ID {
	return ID{
		Coin:  coin,
		Price: RoundPrice(price),
		Side:  side,
	}
}

// RoundPrice округляет цену до 1e-4 для ключа памяти
func RoundPrice(price float64) float64 {
	return math.Round(price*1e4) / 1e4
}

// Stats накопленная статистика торговли от одной плотности
type Stats struct {
	ID            ID        `json:"id"`
	TotalTrades   int       `json:"totalTrades"`
	WinTrades     int       `json:"winTrades"`
	LossTrades    int       `json:"lossTrades"`
	FirstTradeAt  time.Time `json:"firstTradeAt"`
	LastTradeAt   time.Time `json:"lastTradeAt"`
	TotalPnlUsd   float64   `json:"totalPnlUsd"`
	AvgPnlPercent float64   `json:"avgPnlPercent"`
	LastTradeSize float64   `json:"lastTradeSize"`
}

// Memory персистентная память по плотностям.
// Файл перезаписывается целиком при каждом обновлении.
type Memory struct {
	mu    sync.Mutex
	path  string
	stats map[ID]*Stats
}

// NewMemory создает память и загружает состояние из файла.
// Отсутствующий файл означает пустую память.
func NewMemory(path string) *Memory {
	m := &Memory{
		path:  path,
		stats: make(map[ID]*Stats),
	}
	if err := m.load(); err != nil {
		logger.Warn("Не удалось загрузить память плотностей", zap.String("path", path), zap.Error(err))
	}
	return m
}

// load читает файл памяти
func (m *Memory) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ошибка чтения файла памяти: %w", err)
	}

	var entries []*Stats
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("ошибка разбора файла памяти: %w", err)
	}

	for _, e := range entries {
		e.ID.Price = RoundPrice(e.ID.Price)
		m.stats[e.ID] = e
	}
	return nil
}

// RecordTrade фиксирует закрытую сделку по плотности и сохраняет файл.
// Сделка с нулевым PnL не считается ни выигрышем, ни проигрышем.
func (m *Memory) RecordTrade(id ID, pnlUsd, pnlPercent, sizeUsd float64, closedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id.Price = RoundPrice(id.Price)
	st, ok := m.stats[id]
	if !ok {
		st = &Stats{ID: id, FirstTradeAt: closedAt}
		m.stats[id] = st
	}

	st.TotalTrades++
	switch {
	case pnlUsd > 0:
		st.WinTrades++
	case pnlUsd < 0:
		st.LossTrades++
	}
	st.TotalPnlUsd += pnlUsd
	// Скользящее среднее процента PnL
	st.AvgPnlPercent += (pnlPercent - st.AvgPnlPercent) / float64(st.TotalTrades)
	st.LastTradeAt = closedAt
	st.LastTradeSize = sizeUsd

	if err := m.persist(); err != nil {
		logger.Error("Не удалось сохранить память плотностей", zap.String("path", m.path), zap.Error(err))
	}
}

// persist атомарно перезаписывает файл памяти целиком
func (m *Memory) persist() error {
	entries := make([]*Stats, 0, len(m.stats))
	for _, st := range m.stats {
		entries = append(entries, st)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ID.Coin != entries[j].ID.Coin {
			return entries[i].ID.Coin < entries[j].ID.Coin
		}
		return entries[i].ID.Price < entries[j].ID.Price
	})

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации памяти: %w", err)
	}

	tmp := m.path + ".tmp"
	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ошибка создания каталога памяти: %w", err)
		}
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("ошибка записи файла памяти: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("ошибка переименования файла памяти: %w", err)
	}
	return nil
}

// Get возвращает копию статистики по плотности
func (m *Memory) Get(id ID) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id.Price = RoundPrice(id.Price)
	st, ok := m.stats[id]
	if !ok {
		return Stats{}, false
	}
	return *st, true
}

// CanTrade разрешает торговлю от плотности: неизвестная плотность
// или количество выигрышей меньше лимита
func (m *Memory) CanTrade(id ID, maxWins int) bool {
	if maxWins <= 0 {
		return true
	}
	st, ok := m.Get(id)
	if !ok {
		return true
	}
	return st.WinTrades < maxWins
}
