package policy

import (
	"math"
	"strings"
	"sync"
	"time"
)

// natrRetention глубина хранения истории NATR
const natrRetention = time.Hour

// natrPoint точка истории NATR
type natrPoint struct {
	ts   time.Time
	natr float64
}

// Features скользящая история NATR по монетам для расчета контекстных признаков
type Features struct {
	mu      sync.Mutex
	history map[string][]natrPoint
}

// NewFeatures создает пустую историю признаков
func NewFeatures() *Features {
	return &Features{
		history: make(map[string][]natrPoint),
	}
}

// UpdateNatrHistory добавляет значение NATR и отсекает устаревшие точки
func (f *Features) UpdateNatrHistory(coin string, natr float64) {
	f.updateAt(coin, natr, time.Now())
}

func (f *Features) updateAt(coin string, natr float64, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.ToUpper(coin)
	points := append(f.history[key], natrPoint{ts: ts, natr: natr})

	cutoff := ts.Add(-natrRetention)
	for len(points) > 0 && points[0].ts.Before(cutoff) {
		points = points[1:]
	}
	f.history[key] = points
}

// NatrShock возвращает сумму абсолютных изменений NATR за окно.
// При менее чем двух точках в окне возвращает 0.
func (f *Features) NatrShock(coin string, window time.Duration) float64 {
	return f.natrShockAt(coin, window, time.Now())
}

func (f *Features) natrShockAt(coin string, window time.Duration, now time.Time) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	points := f.history[strings.ToUpper(coin)]
	cutoff := now.Add(-window)

	var inWindow []natrPoint
	for _, p := range points {
		if !p.ts.Before(cutoff) {
			inWindow = append(inWindow, p)
		}
	}
	if len(inWindow) < 2 {
		return 0
	}

	var shock float64
	for i := 1; i < len(inWindow); i++ {
		shock += math.Abs(inWindow[i].natr - inWindow[i-1].natr)
	}
	return shock
}
