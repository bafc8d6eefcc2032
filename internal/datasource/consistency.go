package datasource

import (
	"math"
	"sort"

	"github.com/coolbix/quantgate/internal/models"
)

// maxSampleCodes bounds the per-check workload on full-market tables.
const maxSampleCodes = 100

// metricSpec pairs a comparable column with its tolerance and its share of
// the confidence score.
type metricSpec struct {
	name      string
	tolerance float64
	weight    float64
	value     func(models.DailyBasicRow) float64
}

var metricSpecs = []metricSpec{
	// Spot PE when the provider reports it, TTM PE as the proxy otherwise.
	{"pe", 0.05, 0.25, func(r models.DailyBasicRow) float64 {
		if models.IsFiniteNonZero(r.PE) {
			return r.PE
		}
		return r.PETTM
	}},
	{"pb", 0.05, 0.25, func(r models.DailyBasicRow) float64 { return r.PB }},
	{"total_mv", 0.02, 0.20, func(r models.DailyBasicRow) float64 { return r.TotalMV }},
	{"close", 0.01, 0.15, func(r models.DailyBasicRow) float64 { return r.Close }},
	{"volume", 0.10, 0.10, func(r models.DailyBasicRow) float64 { return r.Volume }},
	{"turnover_rate", 0.05, 0.05, func(r models.DailyBasicRow) float64 { return r.TurnoverRate }},
}

// CheckConsistency compares two aligned daily-basics tables and produces
// an advisory report. It never fails: an empty or unalignable pair yields
// a zero-confidence report recommending the primary alone.
//
// Codes present in both tables are sampled (up to 100, sorted for
// determinism) and per-metric sample means are compared against relative
// tolerances. A metric participates only when both sides carry usable
// values for it; weights renormalize over the participating metrics.
func CheckConsistency(primarySource, secondarySource string, primary, secondary []models.DailyBasicRow) *models.ConsistencyReport {
	report := &models.ConsistencyReport{
		PrimarySource:     primarySource,
		SecondarySource:   secondarySource,
		Metrics:           make(map[string]models.MetricComparison),
		RecommendedAction: models.ActionUsePrimaryOnly,
	}

	if len(primary) == 0 || len(secondary) == 0 {
		return report
	}

	pByCode := indexByCode(primary)
	sByCode := indexByCode(secondary)

	common := make([]string, 0, len(pByCode))
	for code := range pByCode {
		if _, ok := sByCode[code]; ok {
			common = append(common, code)
		}
	}
	if len(common) == 0 {
		return report
	}
	sort.Strings(common)
	if len(common) > maxSampleCodes {
		common = common[:maxSampleCodes]
	}
	report.CommonCodes = len(common)

	var confidence, totalWeight float64
	significant := 0
	compared := 0

	for _, spec := range metricSpecs {
		pMean, pOK := sampleMean(common, pByCode, spec.value)
		sMean, sOK := sampleMean(common, sByCode, spec.value)
		if !pOK || !sOK {
			continue
		}

		diff := relativeDiff(pMean, sMean)
		cmp := models.MetricComparison{
			PrimaryMean:   pMean,
			SecondaryMean: sMean,
			RelativeDiff:  diff,
			Tolerance:     spec.tolerance,
			Significant:   diff > spec.tolerance,
		}
		report.Metrics[spec.name] = cmp

		// Full credit inside the tolerance, linear falloff beyond it.
		score := 1.0
		if diff > spec.tolerance {
			score = 1 - (diff-spec.tolerance)/spec.tolerance
			if score < 0 {
				score = 0
			}
		}
		confidence += spec.weight * score
		totalWeight += spec.weight
		compared++
		if cmp.Significant {
			significant++
		}
	}

	if compared == 0 {
		return report
	}
	confidence /= totalWeight

	report.ConfidenceScore = confidence
	report.IsConsistent = float64(significant)/float64(compared) <= 0.30
	report.RecommendedAction = recommendAction(confidence)
	return report
}

// fp slack so a diff exactly on a threshold does not flip the action.
const actionEpsilon = 1e-9

func recommendAction(confidence float64) string {
	switch {
	case confidence >= 0.8-actionEpsilon:
		return models.ActionUseEither
	case confidence >= 0.6-actionEpsilon:
		return models.ActionUsePrimaryWithWarning
	case confidence >= 0.3-actionEpsilon:
		return models.ActionUsePrimaryOnly
	default:
		return models.ActionInvestigateSources
	}
}

func indexByCode(rows []models.DailyBasicRow) map[string]models.DailyBasicRow {
	m := make(map[string]models.DailyBasicRow, len(rows))
	for _, r := range rows {
		code := models.NormalizeCode(r.Code)
		if code == "" {
			continue
		}
		m[code] = r
	}
	return m
}

// sampleMean averages a metric over the sampled codes, skipping NaN and
// zero cells. The bool reports whether enough usable values existed.
func sampleMean(codes []string, rows map[string]models.DailyBasicRow, value func(models.DailyBasicRow) float64) (float64, bool) {
	var sum float64
	n := 0
	for _, code := range codes {
		v := value(rows[code])
		if !models.IsFiniteNonZero(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// relativeDiff measures the secondary's deviation with the primary mean
// as the reference: |secondary - primary| / |primary|. A zero primary
// falls back to the secondary as reference rather than dividing by zero.
func relativeDiff(primary, secondary float64) float64 {
	base := math.Abs(primary)
	if base == 0 {
		base = math.Abs(secondary)
	}
	if base == 0 {
		return 0
	}
	return math.Abs(secondary-primary) / base
}
