package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2/futures"

	"github.com/arrow767/hyper-screener/internal/config"
	"github.com/arrow767/hyper-screener/pkg/models"
)

// BinanceClient клиент фьючерсного API Binance: источник свечей и
// исполнение ордеров для живого режима
type BinanceClient struct {
	futures *futures.Client
}

// NewBinanceClient создает новый клиент Binance
func NewBinanceClient(cfg config.BinanceConfig) (*BinanceClient, error) {
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	futuresClient := futures.NewClient(cfg.APIKey, cfg.APISecret)

	return &BinanceClient{
		futures: futuresClient,
	}, nil
}

// Futures возвращает низкоуровневый фьючерсный клиент
func (c *BinanceClient) Futures() *futures.Client {
	return c.futures
}

// Symbol переводит имя монеты в фьючерсный символ Binance
func Symbol(coin string) string {
	return strings.ToUpper(coin) + "USDT"
}

// GetLastClosedCandle получает последнюю закрытую 5-минутную свечу монеты
func (c *BinanceClient) GetLastClosedCandle(ctx context.Context, coin string) (models.Candle, error) {
	klines, err := c.futures.NewKlinesService().
		Symbol(Symbol(coin)).
		Interval("5m").
		Limit(2).
		Do(ctx)
	if err != nil {
		return models.Candle{}, fmt.Errorf("ошибка получения свечей: %w", err)
	}
	if len(klines) < 2 {
		return models.Candle{}, fmt.Errorf("недостаточно свечей для %s", coin)
	}

	// Последняя свеча еще формируется, берем предпоследнюю
	k := klines[len(klines)-2]
	candle := models.Candle{TimestampMs: k.OpenTime}

	var perr error
	parse := func(raw string) float64 {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil && perr == nil {
			perr = err
		}
		return v
	}
	candle.Open = parse(k.Open)
	candle.High = parse(k.High)
	candle.Low = parse(k.Low)
	candle.Close = parse(k.Close)
	if perr != nil {
		return models.Candle{}, fmt.Errorf("ошибка разбора свечи: %w", perr)
	}

	return candle, nil
}
