package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/coolbix/quantgate/internal/interfaces"
)

// Per-adapter probe budget for the test-sources endpoint.
const sourceTestTimeout = 10 * time.Second

// SourceTestResult is one adapter's connectivity probe outcome.
type SourceTestResult struct {
	Source     string `json:"source"`
	Available  bool   `json:"available"`
	Provenance string `json:"provenance,omitempty"`
	OK         bool   `json:"ok"`
	LatencyMS  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
}

// TestSources probes every registered adapter with a bounded timeout.
// The probe asks for the latest trade date, the cheapest call every
// provider either serves or declines cleanly.
func (s *BasicsService) TestSources(ctx context.Context) []SourceTestResult {
	adapters := s.sources.Adapters()
	results := make([]SourceTestResult, 0, len(adapters))

	for _, adapter := range adapters {
		availability := adapter.Available(ctx)
		result := SourceTestResult{
			Source:     adapter.Name(),
			Available:  availability.Available,
			Provenance: availability.Provenance,
		}
		if !availability.Available {
			result.Error = "not configured"
			results = append(results, result)
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, sourceTestTimeout)
		start := s.now()
		_, err := adapter.FindLatestTradeDate(probeCtx)
		cancel()
		result.LatencyMS = s.now().Sub(start).Milliseconds()

		switch {
		case err == nil:
			result.OK = true
		case errors.Is(err, interfaces.ErrNotSupported):
			// A clean decline is not a connectivity failure.
			result.OK = true
		default:
			result.Error = err.Error()
		}
		results = append(results, result)
	}
	return results
}
