package api

import (
	"time"

	"treasury-metrics/internal/domain"
	"treasury-metrics/internal/resolver"
)

// SnapshotResponse carries every numeric field as a decimal string so large totals survive JSON.
type SnapshotResponse struct {
	AssetID                     string    `json:"asset_id"`
	CycleID                     string    `json:"cycle_id"`
	TotalHoldingAmount          string    `json:"total_holding_amount"`
	HolderCount                 int       `json:"holder_count"`
	ReferencePrice              string    `json:"reference_price"`
	TotalHoldingValue           string    `json:"total_holding_value"`
	TotalReportedCapitalization string    `json:"total_reported_capitalization"`
	SupplyPercent               *string   `json:"supply_percent"`
	PriceSource                 string    `json:"price_source"`
	PriceObservedAt             time.Time `json:"price_observed_at"`
	LastUpdate                  time.Time `json:"last_update"`
	AgeSeconds                  float64   `json:"age_seconds"`
	Stale                       bool      `json:"stale"`
	StaleAfterSeconds           float64   `json:"stale_after_seconds"`
}

// AttemptResponse describes one price tier consultation.
type AttemptResponse struct {
	Tier       string  `json:"tier"`
	Source     string  `json:"source"`
	Outcome    string  `json:"outcome"`
	Error      string  `json:"error,omitempty"`
	DurationMs float64 `json:"duration_ms"`
}

// RefreshRequest is the optional body of a refresh call.
type RefreshRequest struct {
	TotalSupply string `json:"total_supply"`
}

// RefreshResponse is returned by a successful refresh.
type RefreshResponse struct {
	Snapshot   SnapshotResponse  `json:"snapshot"`
	Attempts   []AttemptResponse `json:"attempts"`
	Superseded bool              `json:"superseded"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
}

func newSnapshotResponse(snap domain.MetricsSnapshot, now time.Time, threshold time.Duration) SnapshotResponse {
	if threshold <= 0 {
		threshold = domain.DefaultStaleAfter
	}
	resp := SnapshotResponse{
		AssetID:                     snap.AssetID,
		CycleID:                     snap.CycleID.String(),
		TotalHoldingAmount:          snap.TotalHoldingAmount.String(),
		HolderCount:                 snap.HolderCount,
		ReferencePrice:              snap.ReferencePrice.String(),
		TotalHoldingValue:           snap.TotalHoldingValue.String(),
		TotalReportedCapitalization: "0",
		PriceSource:                 string(snap.PriceSource),
		PriceObservedAt:             snap.PriceObservedAt.UTC(),
		LastUpdate:                  snap.LastUpdate.UTC(),
		AgeSeconds:                  snap.Age(now).Seconds(),
		Stale:                       domain.IsStale(snap, now, threshold),
		StaleAfterSeconds:           threshold.Seconds(),
	}
	if snap.TotalReportedCapitalization != nil {
		resp.TotalReportedCapitalization = snap.TotalReportedCapitalization.String()
	}
	if snap.SupplyPercent != nil {
		pct := snap.SupplyPercent.String()
		resp.SupplyPercent = &pct
	}
	return resp
}

func newAttemptResponses(attempts []resolver.Attempt) []AttemptResponse {
	out := make([]AttemptResponse, 0, len(attempts))
	for _, a := range attempts {
		item := AttemptResponse{
			Tier:       a.Tier,
			Source:     string(a.Source),
			Outcome:    a.Outcome(),
			DurationMs: float64(a.Duration.Microseconds()) / 1000,
		}
		if a.Err != nil {
			item.Error = a.Err.Error()
		}
		out = append(out, item)
	}
	return out
}
