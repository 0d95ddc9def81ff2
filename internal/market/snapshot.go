package market

import (
	"sync"
	"time"
)

// Quote is the latest observed state for one stock code, refreshed by the
// ingestion feed through the pub/sub bridge. The alert engine only reads it.
type Quote struct {
	StockCode     string  `json:"stock_code"`
	Price         float64 `json:"price"`
	Volume        int64   `json:"volume"`
	ChangePercent float64 `json:"change_percent"`
	PrevClose     float64 `json:"prev_close"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Timestamp     int64   `json:"timestamp"`
}

// Snapshot holds the latest quote per stock plus a rolling average of
// traded volume (exponentially weighted, so a single spike decays instead
// of poisoning the average for a full window).
type Snapshot struct {
	mu        sync.RWMutex
	quotes    map[string]Quote
	avgVolume map[string]float64
	updatedAt time.Time

	// smoothing factor for the volume average; 2/(N+1) with N=20 updates
	alpha float64
}

// NewSnapshot creates an empty snapshot cache.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		quotes:    make(map[string]Quote),
		avgVolume: make(map[string]float64),
		alpha:     2.0 / 21.0,
	}
}

// Update replaces the stored quote for the stock and folds its volume into
// the rolling average.
func (s *Snapshot) Update(q Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.quotes[q.StockCode] = q
	if prev, ok := s.avgVolume[q.StockCode]; ok {
		s.avgVolume[q.StockCode] = s.alpha*float64(q.Volume) + (1-s.alpha)*prev
	} else {
		s.avgVolume[q.StockCode] = float64(q.Volume)
	}
	s.updatedAt = time.Now()
}

// Get returns the latest quote for the stock, if any.
func (s *Snapshot) Get(stockCode string) (Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[stockCode]
	return q, ok
}

// AvgVolume returns the rolling average volume for the stock; zero when the
// stock has never been observed.
func (s *Snapshot) AvgVolume(stockCode string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.avgVolume[stockCode]
}

// Len returns the number of tracked stocks.
func (s *Snapshot) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.quotes)
}

// UpdatedAt returns the time of the most recent update.
func (s *Snapshot) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}
