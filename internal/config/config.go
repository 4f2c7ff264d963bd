package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Config представляет полную конфигурацию приложения
type Config struct {
	Hyperliquid HyperliquidConfig `yaml:"hyperliquid"`
	Binance     BinanceConfig     `yaml:"binance"`
	Screener    ScreenerConfig    `yaml:"screener"`
	Trading     TradingConfig     `yaml:"trading"`
	Policy      PolicyConfig      `yaml:"policy"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Listing     ListingConfig     `yaml:"listing"`
	TradeLog    TradeLogConfig    `yaml:"tradelog"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// HyperliquidConfig содержит настройки подключения к Hyperliquid
type HyperliquidConfig struct {
	WsURL   string `yaml:"ws_url"`
	InfoURL string `yaml:"info_url"`
}

// BinanceConfig содержит настройки подключения к Binance
type BinanceConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Testnet   bool   `yaml:"testnet"`
}

// ScreenerConfig содержит настройки детектора плотностей
type ScreenerConfig struct {
	MinOrderSizeUsd    float64 `yaml:"min_order_size_usd"`
	MaxDistancePercent float64 `yaml:"max_distance_percent"`
	AlertCooldownMs    int64   `yaml:"alert_cooldown_ms"`
	// Переопределения порога в формате "COIN:VALUE,COIN:VALUE"
	CoinOverrides string `yaml:"coin_overrides"`
}

// TradeMode режим работы торгового модуля
type TradeMode string

const (
	ModeScreenOnly TradeMode = "SCREEN_ONLY"
	ModePaper      TradeMode = "TRADE_PAPER"
	ModeLive       TradeMode = "TRADE_LIVE"
)

// Venue площадка исполнения ордеров
type Venue string

const (
	VenuePaper       Venue = "PAPER"
	VenueHyperliquid Venue = "HYPERLIQUID"
	VenueBinance     Venue = "BINANCE"
)

// EntryMode способ входа в позицию
type EntryMode string

const (
	EntryMarket EntryMode = "MARKET"
	EntryLimit  EntryMode = "LIMIT"
	EntryMixed  EntryMode = "MIXED"
)

// TradingConfig содержит настройки торгового модуля
type TradingConfig struct {
	Enabled                 bool      `yaml:"enabled"`
	Mode                    TradeMode `yaml:"mode"`
	Venue                   Venue     `yaml:"venue"`
	EntryMode               EntryMode `yaml:"entry_mode"`
	PositionSizeUsd         float64   `yaml:"position_size_usd"`
	MaxRiskPerTrade         float64   `yaml:"max_risk_per_trade"`
	RiskNatrMultiplier      float64   `yaml:"risk_natr_multiplier"`
	PnlCheckIntervalMs      int64     `yaml:"pnl_check_interval_ms"`
	MaxOpenPositions        int       `yaml:"max_open_positions"`
	NatrPeriod              int       `yaml:"natr_period"`
	TpNatrLevels            []float64 `yaml:"tp_natr_levels"`
	TpPercents              []float64 `yaml:"tp_percents"`
	SlTickOffset            int       `yaml:"sl_tick_offset"`
	AnchorMinValueFraction  float64   `yaml:"anchor_min_value_fraction"`
	AnchorMinValueUsd       float64   `yaml:"anchor_min_value_usd"`
	EntryLimitNatrRange     []float64 `yaml:"entry_limit_natr_range"`
	EntryLimitProportions   []float64 `yaml:"entry_limit_proportions"`
	EntryLimitDensityMinPct float64   `yaml:"entry_limit_density_min_percent"`
	TpLimitProportions      []float64 `yaml:"tp_limit_proportions"`
	EntryMarketPercent      float64   `yaml:"entry_market_percent"`
	EntryLimitPercent       float64   `yaml:"entry_limit_percent"`
	MaxAnchorWins           int       `yaml:"max_anchor_wins"`
	CandlePollIntervalSec   int       `yaml:"candle_poll_interval_sec"`
}

// PolicyConfig содержит настройки движка правил
type PolicyConfig struct {
	Enabled          bool   `yaml:"enabled"`
	RulesFile        string `yaml:"rules_file"`
	AnchorMemoryFile string `yaml:"anchor_memory_file"`
}

// TelegramConfig содержит настройки отправки уведомлений
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// ListingConfig содержит настройки наблюдателя за новыми листингами
type ListingConfig struct {
	Enabled          bool   `yaml:"enabled"`
	CheckIntervalSec int    `yaml:"check_interval_sec"`
	HistoryFile      string `yaml:"history_file"`
}

// TradeLogConfig содержит настройки журнала сделок
type TradeLogConfig struct {
	Dir string `yaml:"dir"`
}

// StorageConfig содержит настройки хранения истории в InfluxDB
type StorageConfig struct {
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
}

// LoggingConfig содержит настройки операционного лога
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// Load загружает конфигурацию из файла
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("ошибка разбора файла конфигурации: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// defaults возвращает конфигурацию со значениями по умолчанию
func defaults() *Config {
	return &Config{
		Hyperliquid: HyperliquidConfig{
			WsURL:   "wss://api.hyperliquid.xyz/ws",
			InfoURL: "https://api.hyperliquid.xyz/info",
		},
		Screener: ScreenerConfig{
			MinOrderSizeUsd:    2_000_000,
			MaxDistancePercent: 0.2,
			AlertCooldownMs:    60_000,
		},
		Trading: TradingConfig{
			Mode:                    ModeScreenOnly,
			Venue:                   VenuePaper,
			EntryMode:               EntryMarket,
			PositionSizeUsd:         1000,
			RiskNatrMultiplier:      1,
			PnlCheckIntervalMs:      4000,
			MaxOpenPositions:        2,
			NatrPeriod:              14,
			AnchorMinValueFraction:  0.3,
			AnchorMinValueUsd:       500_000,
			EntryLimitDensityMinPct: 30,
			CandlePollIntervalSec:   20,
		},
		Logging: LoggingConfig{
			Dir:   "logs",
			Level: "info",
		},
		TradeLog: TradeLogConfig{
			Dir: "trades",
		},
	}
}

// validate проверяет согласованность конфигурации
func (c *Config) validate() error {
	switch c.Trading.Mode {
	case ModeScreenOnly, ModePaper, ModeLive:
	default:
		return fmt.Errorf("неизвестный режим торговли: %s", c.Trading.Mode)
	}
	switch c.Trading.Venue {
	case VenuePaper, VenueHyperliquid, VenueBinance:
	default:
		return fmt.Errorf("неизвестная площадка исполнения: %s", c.Trading.Venue)
	}
	switch c.Trading.EntryMode {
	case EntryMarket, EntryLimit, EntryMixed:
	default:
		return fmt.Errorf("неизвестный режим входа: %s", c.Trading.EntryMode)
	}
	if len(c.Trading.EntryLimitNatrRange) != 0 && len(c.Trading.EntryLimitNatrRange) != 2 {
		return fmt.Errorf("entry_limit_natr_range должен содержать ровно два значения")
	}
	if len(c.Trading.TpNatrLevels) != len(c.Trading.TpPercents) {
		return fmt.Errorf("tp_natr_levels и tp_percents должны совпадать по длине")
	}
	return nil
}

// ParseCoinOverrides разбирает переопределения порога вида "BTC:5000000,ETH:3000000"
func ParseCoinOverrides(raw string) (map[string]float64, error) {
	overrides := make(map[string]float64)
	if strings.TrimSpace(raw) == "" {
		return overrides, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("некорректное переопределение порога: %q", pair)
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("некорректное значение порога %q: %w", pair, err)
		}
		overrides[strings.ToUpper(strings.TrimSpace(parts[0]))] = value
	}
	return overrides, nil
}
