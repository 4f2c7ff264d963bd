package models

import (
	"time"
)

// BookSide сторона стакана, на которой стоит заявка
type BookSide string

const (
	BookSideBid BookSide = "bid"
	BookSideAsk BookSide = "ask"
)

// PositionSide направление позиции
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// OrderSide сторона биржевого ордера
type OrderSide string

const (
	OrderBuy  OrderSide = "buy"
	OrderSell OrderSide = "sell"
)

// OrderPurpose назначение лимитного ордера
type OrderPurpose string

const (
	PurposeEntry OrderPurpose = "entry"
	PurposeTp    OrderPurpose = "tp"
)

// BookLevel представляет уровень стакана
type BookLevel struct {
	Price float64
	Size  float64
}

// OrderBookSnapshot представляет срез стакана заявок.
// Биды отсортированы по убыванию цены, аски по возрастанию.
type OrderBookSnapshot struct {
	Coin string
	Time time.Time
	Bids []BookLevel
	Asks []BookLevel
}

// BestBid возвращает лучший бид, false если сторона пуста
func (s *OrderBookSnapshot) BestBid() (BookLevel, bool) {
	if len(s.Bids) == 0 {
		return BookLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk возвращает лучший аск, false если сторона пуста
func (s *OrderBookSnapshot) BestAsk() (BookLevel, bool) {
	if len(s.Asks) == 0 {
		return BookLevel{}, false
	}
	return s.Asks[0], true
}

// Mid возвращает среднюю цену между лучшим бидом и аском
func (s *OrderBookSnapshot) Mid() (float64, bool) {
	bid, okB := s.BestBid()
	ask, okA := s.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// SideLevels возвращает уровни запрошенной стороны стакана
func (s *OrderBookSnapshot) SideLevels(side BookSide) []BookLevel {
	if side == BookSideBid {
		return s.Bids
	}
	return s.Asks
}

// LargeOrder представляет обнаруженную плотность в стакане
type LargeOrder struct {
	Coin            string
	Side            BookSide
	Price           float64
	Size            float64
	ValueUsd        float64
	DistancePercent float64
	Timestamp       time.Time
}

// TradeEvent представляет сделку из канала trades
type TradeEvent struct {
	Coin  string
	Side  OrderSide
	Price float64
	Size  float64
	Time  time.Time
}

// Candle представляет 5-минутную свечу
type Candle struct {
	TimestampMs int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
}

// AssetMeta представляет инструмент из universe биржи
type AssetMeta struct {
	Name       string
	SzDecimals int
	TickSize   float64
}

// TradeFill исполнение, из которого собрана позиция или её закрытие
type TradeFill struct {
	Price   float64
	SizeUsd float64
	Time    time.Time
}

// LimitOrderState состояние лимитного ордера.
// Терминальные состояния Filled и Cancelled взаимоисключающие и необратимые.
type LimitOrderState struct {
	OrderID     string
	Coin        string
	Price       float64
	SizeUsd     float64
	Contracts   float64
	Side        OrderSide
	Purpose     OrderPurpose
	PlacedAt    time.Time
	Filled      bool
	FilledAt    time.Time
	Cancelled   bool
	CancelledAt time.Time
}

// Active сообщает, что ордер ещё жив на бирже
func (o *LimitOrderState) Active() bool {
	return !o.Filled && !o.Cancelled
}

// MarkFilled переводит ордер в терминальное состояние filled
func (o *LimitOrderState) MarkFilled(at time.Time) bool {
	if !o.Active() {
		return false
	}
	o.Filled = true
	o.FilledAt = at
	return true
}

// MarkCancelled переводит ордер в терминальное состояние cancelled.
// Повторная отмена и отмена исполненного ордера не меняют состояние.
func (o *LimitOrderState) MarkCancelled(at time.Time) bool {
	if o.Cancelled || o.Filled {
		return false
	}
	o.Cancelled = true
	o.CancelledAt = at
	return true
}

// TpTarget цель тейк-профита для режима market-on-touch
type TpTarget struct {
	Price   float64
	SizeUsd float64
	Hit     bool
}

// Position представляет открытую позицию, привязанную к плотности
type Position struct {
	ID                    string
	Coin                  string
	Side                  PositionSide
	EntryPrice            float64
	SizeUsd               float64
	SizeContracts         float64
	InitialSizeUsd        float64
	OpenedAt              time.Time
	AnchorSide            BookSide
	AnchorPrice           float64
	AnchorInitialValueUsd float64
	AnchorMinValueUsd     float64
	TpTargets             []*TpTarget
	EntryLimitOrders      []*LimitOrderState
	TpLimitOrders         []*LimitOrderState
	MarketFilledSizeUsd   float64
	LimitFilledSizeUsd    float64
	EntryTrades           []TradeFill
	ExitTrades            []TradeFill
	// TpNatrMultiplier множитель политики, применяемый при установке
	// лестницы тейк-профитов
	TpNatrMultiplier float64
}

// ActiveOrders возвращает все живые лимитные ордера позиции
func (p *Position) ActiveOrders() []*LimitOrderState {
	var out []*LimitOrderState
	for _, o := range p.EntryLimitOrders {
		if o.Active() {
			out = append(out, o)
		}
	}
	for _, o := range p.TpLimitOrders {
		if o.Active() {
			out = append(out, o)
		}
	}
	return out
}

// TpHitsCount возвращает количество сработавших целей тейк-профита
func (p *Position) TpHitsCount() int {
	n := 0
	for _, t := range p.TpTargets {
		if t.Hit {
			n++
		}
	}
	for _, o := range p.TpLimitOrders {
		if o.Filled {
			n++
		}
	}
	return n
}

// Signal запрос на открытие позиции, передаваемый исполнителю
type Signal struct {
	Coin           string
	Side           PositionSide
	Price          float64
	SizeUsd        float64
	AnchorSide     BookSide
	AnchorPrice    float64
	AnchorValueUsd float64
	Natr           float64
}

// ClosedTrade итоговая запись закрытой сделки для журнала
type ClosedTrade struct {
	ClosedAt    time.Time
	Coin        string
	Side        PositionSide
	EntryPrice  float64
	ExitPrice   float64
	SizeUsd     float64
	PnlUsd      float64
	PnlPercent  float64
	Reason      string
	AnchorPrice float64
	AnchorSide  BookSide
	DurationSec int64
}
