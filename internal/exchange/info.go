package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/arrow767/hyper-screener/pkg/models"
)

// metaResponse ответ /info type=meta
type metaResponse struct {
	Universe []struct {
		Name       string      `json:"name"`
		SzDecimals int         `json:"szDecimals"`
		TickSize   json.Number `json:"tickSize,omitempty"`
	} `json:"universe"`
}

// FetchMeta запрашивает universe биржи
func (c *HyperliquidClient) FetchMeta(ctx context.Context) ([]models.AssetMeta, error) {
	body, err := c.postInfo(ctx, map[string]string{"type": "meta"})
	if err != nil {
		return nil, err
	}

	var meta metaResponse
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("ошибка разбора meta: %w", err)
	}

	assets := make([]models.AssetMeta, 0, len(meta.Universe))
	for _, u := range meta.Universe {
		asset := models.AssetMeta{Name: u.Name, SzDecimals: u.SzDecimals}
		if u.TickSize != "" {
			if v, err := u.TickSize.Float64(); err == nil {
				asset.TickSize = v
			}
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

// FetchAllMids запрашивает текущие средние цены всех монет
func (c *HyperliquidClient) FetchAllMids(ctx context.Context) (map[string]float64, error) {
	body, err := c.postInfo(ctx, map[string]string{"type": "allMids"})
	if err != nil {
		return nil, err
	}

	var raw map[string]string
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("ошибка разбора allMids: %w", err)
	}

	mids := make(map[string]float64, len(raw))
	for coin, priceStr := range raw {
		price, err := strconv.ParseFloat(priceStr, 64)
		if err != nil {
			continue
		}
		mids[coin] = price
	}
	return mids, nil
}

// postInfo выполняет POST /info
func (c *HyperliquidClient) postInfo(ctx context.Context, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации запроса: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.infoURL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса /info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("неожиданный статус /info: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения ответа /info: %w", err)
	}
	return body, nil
}
