package exchange

import (
	"fmt"
	"strconv"
	"time"

	simplejson "github.com/bitly/go-simplejson"

	"github.com/arrow767/hyper-screener/pkg/models"
)

// frame разобранный кадр WebSocket
type frame struct {
	channel  string
	snapshot *models.OrderBookSnapshot
	trades   []models.TradeEvent
}

// parseFrame разбирает входящий кадр {channel, data}
func parseFrame(data []byte) (*frame, error) {
	js, err := simplejson.NewJson(data)
	if err != nil {
		return nil, fmt.Errorf("некорректный JSON: %w", err)
	}

	channel, err := js.Get("channel").String()
	if err != nil {
		return nil, fmt.Errorf("кадр без поля channel")
	}

	f := &frame{channel: channel}
	switch channel {
	case "l2Book":
		snap, err := parseL2Book(js.Get("data"))
		if err != nil {
			return nil, err
		}
		f.snapshot = snap
	case "trades":
		trades, err := parseTrades(js.Get("data"))
		if err != nil {
			return nil, err
		}
		f.trades = trades
	}
	return f, nil
}

// parseL2Book разбирает срез стакана {coin, time, levels: [bids, asks]}
func parseL2Book(js *simplejson.Json) (*models.OrderBookSnapshot, error) {
	coin, err := js.Get("coin").String()
	if err != nil {
		return nil, fmt.Errorf("l2Book без поля coin")
	}

	timeMs, err := js.Get("time").Int64()
	if err != nil {
		// Время может прийти строкой
		raw, serr := js.Get("time").String()
		if serr != nil {
			return nil, fmt.Errorf("l2Book без поля time")
		}
		timeMs, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("некорректное время среза: %w", err)
		}
	}

	levels, err := js.Get("levels").Array()
	if err != nil || len(levels) < 2 {
		return nil, fmt.Errorf("l2Book без двух сторон levels")
	}

	bids, err := parseLevels(js.Get("levels").GetIndex(0))
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора бидов: %w", err)
	}
	asks, err := parseLevels(js.Get("levels").GetIndex(1))
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора асков: %w", err)
	}

	return &models.OrderBookSnapshot{
		Coin: coin,
		Time: time.UnixMilli(timeMs),
		Bids: bids,
		Asks: asks,
	}, nil
}

// parseLevels разбирает одну сторону стакана
func parseLevels(js *simplejson.Json) ([]models.BookLevel, error) {
	raw, err := js.Array()
	if err != nil {
		return nil, fmt.Errorf("сторона стакана не массив")
	}

	levels := make([]models.BookLevel, 0, len(raw))
	for i := range raw {
		level, err := parseLevel(js.GetIndex(i))
		if err != nil {
			return nil, err
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// parseLevel принимает уровень в двух формах: массив [price, size, ...]
// и объект {px|price, sz|size}
func parseLevel(js *simplejson.Json) (models.BookLevel, error) {
	if arr, err := js.Array(); err == nil {
		if len(arr) < 2 {
			return models.BookLevel{}, fmt.Errorf("уровень-массив короче двух элементов")
		}
		price, err := asFloat(js.GetIndex(0))
		if err != nil {
			return models.BookLevel{}, fmt.Errorf("некорректная цена уровня: %w", err)
		}
		size, err := asFloat(js.GetIndex(1))
		if err != nil {
			return models.BookLevel{}, fmt.Errorf("некорректный объем уровня: %w", err)
		}
		return models.BookLevel{Price: price, Size: size}, nil
	}

	priceJs, ok := js.CheckGet("px")
	if !ok {
		priceJs, ok = js.CheckGet("price")
	}
	if !ok {
		return models.BookLevel{}, fmt.Errorf("уровень без цены")
	}
	sizeJs, ok := js.CheckGet("sz")
	if !ok {
		sizeJs, ok = js.CheckGet("size")
	}
	if !ok {
		return models.BookLevel{}, fmt.Errorf("уровень без объема")
	}

	price, err := asFloat(priceJs)
	if err != nil {
		return models.BookLevel{}, fmt.Errorf("некорректная цена уровня: %w", err)
	}
	size, err := asFloat(sizeJs)
	if err != nil {
		return models.BookLevel{}, fmt.Errorf("некорректный объем уровня: %w", err)
	}
	return models.BookLevel{Price: price, Size: size}, nil
}

// parseTrades разбирает пачку сделок
func parseTrades(js *simplejson.Json) ([]models.TradeEvent, error) {
	raw, err := js.Array()
	if err != nil {
		return nil, fmt.Errorf("данные trades не массив")
	}

	trades := make([]models.TradeEvent, 0, len(raw))
	for i := range raw {
		item := js.GetIndex(i)

		coin, err := item.Get("coin").String()
		if err != nil {
			return nil, fmt.Errorf("сделка без монеты")
		}
		price, err := asFloat(item.Get("px"))
		if err != nil {
			return nil, fmt.Errorf("некорректная цена сделки: %w", err)
		}
		size, err := asFloat(item.Get("sz"))
		if err != nil {
			return nil, fmt.Errorf("некорректный объем сделки: %w", err)
		}

		side := models.OrderSell
		if s, err := item.Get("side").String(); err == nil && s == "B" {
			side = models.OrderBuy
		}

		timeMs, _ := item.Get("time").Int64()
		trades = append(trades, models.TradeEvent{
			Coin:  coin,
			Side:  side,
			Price: price,
			Size:  size,
			Time:  time.UnixMilli(timeMs),
		})
	}
	return trades, nil
}

// asFloat принимает число и в числовой, и в строковой форме
func asFloat(js *simplejson.Json) (float64, error) {
	if v, err := js.Float64(); err == nil {
		return v, nil
	}
	raw, err := js.String()
	if err != nil {
		return 0, fmt.Errorf("значение не число и не строка")
	}
	return strconv.ParseFloat(raw, 64)
}
