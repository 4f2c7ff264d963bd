package storage

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/arrow767/hyper-screener/internal/config"
	"github.com/arrow767/hyper-screener/pkg/models"
)

// Storage приемник истории событий скринера
type Storage interface {
	SaveLargeOrder(ctx context.Context, order models.LargeOrder) error
	SaveClosedTrade(ctx context.Context, trade models.ClosedTrade) error
	Close()
}

// InfluxDBStorage реализует интерфейс Storage с использованием InfluxDB
type InfluxDBStorage struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	org      string
	bucket   string
}

// NewInfluxDBStorage создает новое хранилище InfluxDB
func NewInfluxDBStorage(cfg config.StorageConfig) (*InfluxDBStorage, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Проверка соединения
	health, err := client.Health(context.Background())
	if err != nil {
		return nil, fmt.Errorf("ошибка соединения с InfluxDB: %w", err)
	}
	if health == nil || health.Status != "pass" {
		return nil, fmt.Errorf("InfluxDB не в состоянии 'pass': %+v", health)
	}

	writeAPI := client.WriteAPI(cfg.Organization, cfg.Bucket)

	return &InfluxDBStorage{
		client:   client,
		writeAPI: writeAPI,
		org:      cfg.Organization,
		bucket:   cfg.Bucket,
	}, nil
}

// Close закрывает соединение с базой данных
func (s *InfluxDBStorage) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}

// SaveLargeOrder сохраняет обнаруженную плотность
func (s *InfluxDBStorage) SaveLargeOrder(ctx context.Context, order models.LargeOrder) error {
	point := influxdb2.NewPoint(
		"large_orders",
		map[string]string{
			"coin": order.Coin,
			"side": string(order.Side),
		},
		map[string]interface{}{
			"price":            order.Price,
			"size":             order.Size,
			"value_usd":        order.ValueUsd,
			"distance_percent": order.DistancePercent,
		},
		order.Timestamp,
	)

	s.writeAPI.WritePoint(point)
	return nil
}

// SaveClosedTrade сохраняет закрытую сделку
func (s *InfluxDBStorage) SaveClosedTrade(ctx context.Context, trade models.ClosedTrade) error {
	point := influxdb2.NewPoint(
		"trades",
		map[string]string{
			"coin":   trade.Coin,
			"side":   string(trade.Side),
			"reason": trade.Reason,
		},
		map[string]interface{}{
			"entry_price":  trade.EntryPrice,
			"exit_price":   trade.ExitPrice,
			"size_usd":     trade.SizeUsd,
			"pnl_usd":      trade.PnlUsd,
			"pnl_percent":  trade.PnlPercent,
			"anchor_price": trade.AnchorPrice,
			"duration_sec": trade.DurationSec,
		},
		trade.ClosedAt,
	)

	s.writeAPI.WritePoint(point)
	return nil
}
