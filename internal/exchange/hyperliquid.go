package exchange

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/arrow767/hyper-screener/internal/config"
	"github.com/arrow767/hyper-screener/pkg/logger"
	"github.com/arrow767/hyper-screener/pkg/models"
)

// ConnState состояние подключения к бирже
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

const (
	heartbeatInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second
	maxReconnects     = 10
)

// SnapshotHandler обработчик срезов стакана
type SnapshotHandler func(*models.OrderBookSnapshot)

// TradesHandler обработчик пачки сделок
type TradesHandler func([]models.TradeEvent)

// subscription подписка, которую нужно воспроизводить при переподключении
type subscription struct {
	channel string
	coin    string
}

// HyperliquidClient поддерживает подписанное WebSocket-подключение к бирже.
// Срезы по одной монете доставляются обработчикам в порядке поступления:
// разбор и вызовы обработчиков происходят в единственной читающей горутине.
type HyperliquidClient struct {
	wsURL   string
	infoURL string
	http    *http.Client

	mu            sync.Mutex
	conn          *websocket.Conn
	state         ConnState
	subs          []subscription
	bookHandlers  map[string][]SnapshotHandler
	tradeHandlers map[string][]TradesHandler

	writeMu sync.Mutex

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewHyperliquidClient создает клиент биржи
func NewHyperliquidClient(cfg config.HyperliquidConfig) *HyperliquidClient {
	return &HyperliquidClient{
		wsURL:   cfg.WsURL,
		infoURL: cfg.InfoURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		state:         StateDisconnected,
		bookHandlers:  make(map[string][]SnapshotHandler),
		tradeHandlers: make(map[string][]TradesHandler),
		stopped:       make(chan struct{}),
	}
}

// State возвращает текущее состояние подключения
func (c *HyperliquidClient) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SubscribeOrderBook подписывает обработчик на срезы стакана монеты
func (c *HyperliquidClient) SubscribeOrderBook(coin string, handler func(*models.OrderBookSnapshot)) {
	c.mu.Lock()
	c.bookHandlers[coin] = append(c.bookHandlers[coin], handler)
	sub := subscription{channel: "l2Book", coin: coin}
	added := c.addSubLocked(sub)
	connected := c.state == StateConnected
	c.mu.Unlock()

	if added && connected {
		c.sendSubscribe(sub)
	}
}

// SubscribeTrades подписывает обработчик на сделки монеты
func (c *HyperliquidClient) SubscribeTrades(coin string, handler func([]models.TradeEvent)) {
	c.mu.Lock()
	c.tradeHandlers[coin] = append(c.tradeHandlers[coin], handler)
	sub := subscription{channel: "trades", coin: coin}
	added := c.addSubLocked(sub)
	connected := c.state == StateConnected
	c.mu.Unlock()

	if added && connected {
		c.sendSubscribe(sub)
	}
}

// SubscribeAllAssets подписывает обработчик на стаканы всех монет universe
func (c *HyperliquidClient) SubscribeAllAssets(ctx context.Context, handler func(*models.OrderBookSnapshot)) error {
	universe, err := c.FetchMeta(ctx)
	if err != nil {
		return fmt.Errorf("ошибка получения universe: %w", err)
	}

	for _, asset := range universe {
		c.SubscribeOrderBook(asset.Name, handler)
	}
	logger.Info("Оформлена подписка на все инструменты", zap.Int("count", len(universe)))
	return nil
}

// addSubLocked регистрирует подписку, если её ещё нет. Вызывается под mu.
func (c *HyperliquidClient) addSubLocked(sub subscription) bool {
	for _, s := range c.subs {
		if s == sub {
			return false
		}
	}
	c.subs = append(c.subs, sub)
	return true
}

// Start запускает цикл подключения в отдельной горутине
func (c *HyperliquidClient) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop закрывает подключение и останавливает переподключения
func (c *HyperliquidClient) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopped)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
}

// run держит подключение живым: экспоненциальный backoff 5s*2^(n-1),
// потолок 60s, не более 10 попыток подряд
func (c *HyperliquidClient) run(ctx context.Context) {
	b := &backoff.Backoff{
		Min:    5 * time.Second,
		Max:    60 * time.Second,
		Factor: 2,
	}
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			attempts++
			if attempts > maxReconnects {
				logger.Error("Исчерпаны попытки переподключения к бирже", zap.Int("attempts", attempts-1))
				return
			}
			delay := b.Duration()
			logger.Warn("Не удалось подключиться к бирже",
				zap.Error(err), zap.Duration("retry_in", delay), zap.Int("attempt", attempts))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			case <-c.stopped:
				return
			}
			continue
		}

		// Подключение удалось: подписки воспроизведены, сбрасываем backoff
		attempts = 0
		b.Reset()

		c.readLoop(ctx)

		c.setState(StateDisconnected)
		logger.Warn("Подключение к бирже потеряно")
	}
}

// connect открывает сокет и воспроизводит все подписки до доставки сообщений
func (c *HyperliquidClient) connect(ctx context.Context) error {
	c.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("ошибка подключения: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	logger.Info("Подключение к бирже установлено", zap.String("url", c.wsURL))

	// Воспроизводим подписки до того, как читающий цикл начнет доставку
	for _, sub := range subs {
		c.sendSubscribe(sub)
	}

	go c.heartbeat(ctx, conn)
	return nil
}

// heartbeat шлет ping каждые 30 секунд, пока живо текущее подключение
func (c *HyperliquidClient) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.currentConn() != conn {
				return
			}
			if err := c.sendJSON(map[string]string{"method": "ping"}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		}
	}
}

// readLoop читает и разбирает сообщения до обрыва подключения.
// Ошибка разбора отдельного сообщения логируется и не рвет сокет.
func (c *HyperliquidClient) readLoop(ctx context.Context) {
	conn := c.currentConn()
	if conn == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopped:
			default:
				logger.Warn("Ошибка чтения из сокета", zap.Error(err))
			}
			return
		}

		c.dispatch(data)
	}
}

// dispatch разбирает кадр и доставляет его обработчикам
func (c *HyperliquidClient) dispatch(data []byte) {
	frame, err := parseFrame(data)
	if err != nil {
		logger.Warn("Отброшено нечитаемое сообщение", zap.Error(err))
		return
	}

	switch frame.channel {
	case "l2Book":
		if frame.snapshot == nil {
			return
		}
		c.mu.Lock()
		handlers := append([]SnapshotHandler(nil), c.bookHandlers[frame.snapshot.Coin]...)
		c.mu.Unlock()
		for _, h := range handlers {
			h(frame.snapshot)
		}
	case "trades":
		if len(frame.trades) == 0 {
			return
		}
		coin := frame.trades[0].Coin
		c.mu.Lock()
		handlers := append([]TradesHandler(nil), c.tradeHandlers[coin]...)
		c.mu.Unlock()
		for _, h := range handlers {
			h(frame.trades)
		}
	case "subscriptionResponse", "pong":
		// служебные кадры
	default:
		logger.Debug("Кадр неизвестного канала", zap.String("channel", frame.channel))
	}
}

// sendSubscribe отправляет запрос подписки
func (c *HyperliquidClient) sendSubscribe(sub subscription) {
	msg := map[string]interface{}{
		"method": "subscribe",
		"subscription": map[string]string{
			"type": sub.channel,
			"coin": sub.coin,
		},
	}
	if err := c.sendJSON(msg); err != nil {
		logger.Warn("Не удалось отправить подписку",
			zap.String("channel", sub.channel), zap.String("coin", sub.coin), zap.Error(err))
	}
}

// sendJSON сериализует и отправляет сообщение с дедлайном записи
func (c *HyperliquidClient) sendJSON(v interface{}) error {
	conn := c.currentConn()
	if conn == nil {
		return fmt.Errorf("нет активного подключения")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

func (c *HyperliquidClient) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *HyperliquidClient) setState(state ConnState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}
