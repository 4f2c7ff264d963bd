package tradelog

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/arrow767/hyper-screener/pkg/models"
)

// header фиксированный заголовок дневного файла сделок
var header = []string{
	"closed_at", "coin", "side", "entry_price", "exit_price", "size_usd",
	"pnl_usd", "pnl_percent", "reason", "anchor_price", "anchor_side", "duration_sec",
}

// Writer дневной append-only журнал закрытых сделок.
// Файлы именуются trades_YYYY-MM-DD.csv.
type Writer struct {
	mu  sync.Mutex
	dir string
}

// NewWriter создает журнал в каталоге dir
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// Append дописывает сделку в файл текущего дня, создавая файл с
// заголовком при необходимости
func (w *Writer) Append(trade models.ClosedTrade) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("ошибка создания каталога журнала: %w", err)
	}

	path := filepath.Join(w.dir, "trades_"+trade.ClosedAt.Format("2006-01-02")+".csv")

	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("ошибка открытия файла журнала: %w", err)
	}
	defer f.Close()

	if isNew {
		if _, err := f.WriteString(strings.Join(header, ",") + "\n"); err != nil {
			return fmt.Errorf("ошибка записи заголовка журнала: %w", err)
		}
	}

	row := []string{
		trade.ClosedAt.Format("2006-01-02 15:04:05"),
		trade.Coin,
		string(trade.Side),
		formatFloat(trade.EntryPrice),
		formatFloat(trade.ExitPrice),
		formatFloat(trade.SizeUsd),
		formatFloat(trade.PnlUsd),
		formatFloat(trade.PnlPercent),
		trade.Reason,
		formatFloat(trade.AnchorPrice),
		string(trade.AnchorSide),
		strconv.FormatInt(trade.DurationSec, 10),
	}

	fields := make([]string, len(row))
	for i, v := range row {
		fields[i] = escapeField(v)
	}
	if _, err := f.WriteString(strings.Join(fields, ",") + "\n"); err != nil {
		return fmt.Errorf("ошибка записи строки журнала: %w", err)
	}
	return nil
}

// escapeField оборачивает значение в кавычки при наличии запятой,
// кавычки или перевода строки; внутренние кавычки удваиваются
func escapeField(v string) string {
	if !strings.ContainsAny(v, ",\"\n") {
		return v
	}
	return "\"" + strings.ReplaceAll(v, "\"", "\"\"") + "\""
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
