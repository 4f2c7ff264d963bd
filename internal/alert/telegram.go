package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arrow767/hyper-screener/internal/config"
	"github.com/arrow767/hyper-screener/pkg/logger"
	"github.com/arrow767/hyper-screener/pkg/models"
)

// dedupKey ключ дебаунса уведомлений
type dedupKey struct {
	coin string
	side models.BookSide
}

// TelegramNotifier шлет уведомления о плотностях в Telegram.
// Повторы по ключу (монета, сторона) гасятся окном cooldown; на HTTP 429
// включается глобальная пауза длиной retry_after.
type TelegramNotifier struct {
	token    string
	chatID   string
	cooldown time.Duration
	client   *http.Client

	mu          sync.Mutex
	lastSent    map[dedupKey]time.Time
	pausedUntil time.Time
}

// NewTelegramNotifier создает отправителя уведомлений
func NewTelegramNotifier(cfg config.TelegramConfig, cooldownMs int64) *TelegramNotifier {
	return &TelegramNotifier{
		token:    cfg.BotToken,
		chatID:   cfg.ChatID,
		cooldown: time.Duration(cooldownMs) * time.Millisecond,
		client:   &http.Client{Timeout: 10 * time.Second},
		lastSent: make(map[dedupKey]time.Time),
	}
}

// Enabled сообщает, настроена ли отправка
func (n *TelegramNotifier) Enabled() bool {
	return n.token != "" && n.chatID != ""
}

// NotifyLargeOrder отправляет одно уведомление на плотность с учетом
// дебаунса и глобальной паузы
func (n *TelegramNotifier) NotifyLargeOrder(ctx context.Context, lo models.LargeOrder) {
	if !n.Enabled() {
		return
	}
	if !n.allow(dedupKey{coin: lo.Coin, side: lo.Side}, time.Now()) {
		return
	}

	text := fmt.Sprintf("*%s* %s\nЦена: %.6g\nОбъем: $%.0f\nОт цены: %.3f%%",
		lo.Coin, sideLabel(lo.Side), lo.Price, lo.ValueUsd, lo.DistancePercent)

	if err := n.send(ctx, text); err != nil {
		logger.Warn("Не удалось отправить уведомление", zap.String("coin", lo.Coin), zap.Error(err))
	}
}

// NotifyNewListing отправляет уведомление о новом листинге
func (n *TelegramNotifier) NotifyNewListing(ctx context.Context, coin string) error {
	if !n.Enabled() {
		return nil
	}
	return n.send(ctx, fmt.Sprintf("Новый листинг: *%s*", coin))
}

// allow решает, можно ли отправлять по ключу сейчас, и фиксирует отправку
func (n *TelegramNotifier) allow(key dedupKey, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if now.Before(n.pausedUntil) {
		return false
	}
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.cooldown {
		return false
	}
	n.lastSent[key] = now
	return true
}

// pause включает глобальную паузу отправки
func (n *TelegramNotifier) pause(d time.Duration, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	until := now.Add(d)
	if until.After(n.pausedUntil) {
		n.pausedUntil = until
	}
}

// apiError ответ Telegram при превышении лимита
type apiError struct {
	Parameters struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// send выполняет вызов sendMessage
func (n *TelegramNotifier) send(ctx context.Context, text string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.token)

	payload := map[string]string{
		"chat_id":    n.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ошибка сериализации сообщения: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("ошибка запроса к Telegram: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr apiError
		retryAfter := 30
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Parameters.RetryAfter > 0 {
			retryAfter = apiErr.Parameters.RetryAfter
		}
		n.pause(time.Duration(retryAfter)*time.Second, time.Now())
		return fmt.Errorf("превышен лимит Telegram, пауза %d с", retryAfter)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("неожиданный статус Telegram %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

func sideLabel(side models.BookSide) string {
	if side == models.BookSideBid {
		return "плотность на покупку"
	}
	return "плотность на продажу"
}
