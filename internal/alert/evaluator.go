package alert

import (
	"fmt"

	"market-stream-service/internal/market"
	"market-stream-service/internal/store"
)

// Evaluate applies the alert's type-specific predicate to the latest quote.
// It returns whether the condition is met and the observed value that would
// be recorded as triggered_value.
func Evaluate(a store.Alert, q market.Quote, avgVolume float64) (bool, float64, error) {
	switch a.Type {
	case store.AlertPriceAbove:
		return q.Price >= a.ConditionValue, q.Price, nil

	case store.AlertPriceBelow:
		return q.Price <= a.ConditionValue, q.Price, nil

	case store.AlertVolumeSpike:
		if avgVolume <= 0 {
			return false, 0, fmt.Errorf("no volume history for %s", a.StockCode)
		}
		ratio := float64(q.Volume) / avgVolume
		return ratio >= a.ConditionValue, ratio, nil

	case store.AlertChangePercentAbove:
		return q.ChangePercent >= a.ConditionValue, q.ChangePercent, nil

	case store.AlertChangePercentBelow:
		return q.ChangePercent <= a.ConditionValue, q.ChangePercent, nil

	default:
		return false, 0, fmt.Errorf("unknown alert type %q", a.Type)
	}
}
