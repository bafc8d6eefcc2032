// Package datasource selects among provider adapters with fallback and
// cross-source consistency checking.
package datasource

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/coolbix/quantgate/internal/common"
	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/models"
)

// Default priorities when no grouping rows exist. Larger wins.
var defaultPriorities = map[string]int{
	"tushare":           40,
	"akshare_eastmoney": 30,
	"akshare_sina":      20,
	"baostock":          10,
}

// Manager holds the registered adapters in priority order and implements
// the fallback call patterns. Priorities are resolved once at
// construction; grouping rows from the admin collection override the
// defaults.
type Manager struct {
	adapters []interfaces.DataSourceAdapter
	byName   map[string]interfaces.DataSourceAdapter
	logger   *common.Logger
}

// ManagerOption configures the manager
type ManagerOption func(*managerConfig)

type managerConfig struct {
	groupings []models.DataSourceGrouping
	logger    *common.Logger
}

// WithGroupings applies admin-managed priority overrides.
func WithGroupings(groupings []models.DataSourceGrouping) ManagerOption {
	return func(c *managerConfig) {
		c.groupings = groupings
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ManagerOption {
	return func(c *managerConfig) {
		c.logger = logger
	}
}

// NewManager creates a manager over the given adapters, ordered by
// resolved priority. Adapters disabled by a grouping row are dropped.
func NewManager(adapters []interfaces.DataSourceAdapter, opts ...ManagerOption) *Manager {
	cfg := &managerConfig{logger: common.NewSilentLogger()}
	for _, opt := range opts {
		opt(cfg)
	}

	priorities := make(map[string]int, len(defaultPriorities))
	for name, p := range defaultPriorities {
		priorities[name] = p
	}
	disabled := make(map[string]bool)
	for _, g := range cfg.groupings {
		if !g.Enabled {
			disabled[g.DataSourceName] = true
			continue
		}
		priorities[g.DataSourceName] = g.Priority
	}

	kept := make([]interfaces.DataSourceAdapter, 0, len(adapters))
	byName := make(map[string]interfaces.DataSourceAdapter, len(adapters))
	for _, a := range adapters {
		if disabled[a.Name()] {
			cfg.logger.Info().Str("source", a.Name()).Msg("data source disabled by grouping")
			continue
		}
		kept = append(kept, a)
		byName[a.Name()] = a
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return priorities[kept[i].Name()] > priorities[kept[j].Name()]
	})

	return &Manager{
		adapters: kept,
		byName:   byName,
		logger:   cfg.logger,
	}
}

// Adapters returns the registered adapters in priority order.
func (m *Manager) Adapters() []interfaces.DataSourceAdapter {
	out := make([]interfaces.DataSourceAdapter, len(m.adapters))
	copy(out, m.adapters)
	return out
}

// Adapter returns a registered adapter by name.
func (m *Manager) Adapter(name string) (interfaces.DataSourceAdapter, bool) {
	a, ok := m.byName[name]
	return a, ok
}

// ordered returns the adapters with the named preferred sources moved to
// the front, keeping priority order within each group. Unknown preferred
// names are ignored.
func (m *Manager) ordered(preferred []string) []interfaces.DataSourceAdapter {
	if len(preferred) == 0 {
		return m.adapters
	}
	seen := make(map[string]bool, len(preferred))
	out := make([]interfaces.DataSourceAdapter, 0, len(m.adapters))
	for _, name := range preferred {
		if a, ok := m.byName[name]; ok && !seen[name] {
			out = append(out, a)
			seen[name] = true
		}
	}
	for _, a := range m.adapters {
		if !seen[a.Name()] {
			out = append(out, a)
		}
	}
	return out
}

// StockListWithFallback returns the first non-empty stock list in priority
// order.
func (m *Manager) StockListWithFallback(ctx context.Context, preferred ...string) (*interfaces.SourceResult[[]models.StockListRow], error) {
	return fallback(ctx, m, m.ordered(preferred), "stock_list",
		func(ctx context.Context, a interfaces.DataSourceAdapter) ([]models.StockListRow, error) {
			return a.StockList(ctx)
		},
		func(rows []models.StockListRow) bool { return len(rows) > 0 })
}

// DailyBasicWithFallback returns the first non-empty daily-basics table in
// priority order.
func (m *Manager) DailyBasicWithFallback(ctx context.Context, tradeDate string, preferred ...string) (*interfaces.SourceResult[[]models.DailyBasicRow], error) {
	return fallback(ctx, m, m.ordered(preferred), "daily_basic",
		func(ctx context.Context, a interfaces.DataSourceAdapter) ([]models.DailyBasicRow, error) {
			return a.DailyBasic(ctx, tradeDate)
		},
		func(rows []models.DailyBasicRow) bool { return len(rows) > 0 })
}

// FindLatestTradeDateWithFallback returns the first non-empty trade date
// in priority order.
func (m *Manager) FindLatestTradeDateWithFallback(ctx context.Context) (*interfaces.SourceResult[string], error) {
	return fallback(ctx, m, m.adapters, "latest_trade_date",
		func(ctx context.Context, a interfaces.DataSourceAdapter) (string, error) {
			return a.FindLatestTradeDate(ctx)
		},
		func(date string) bool { return date != "" })
}

// DailyBasicWithConsistencyCheck calls the top two available adapters in
// parallel and attaches a consistency advisory to the primary's result.
// With fewer than two available adapters it degrades silently to plain
// fallback and returns a nil report.
func (m *Manager) DailyBasicWithConsistencyCheck(ctx context.Context, tradeDate string) (*interfaces.SourceResult[[]models.DailyBasicRow], *models.ConsistencyReport, error) {
	available := make([]interfaces.DataSourceAdapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		if a.Available(ctx).Available {
			available = append(available, a)
		}
		if len(available) == 2 {
			break
		}
	}

	if len(available) < 2 {
		result, err := m.DailyBasicWithFallback(ctx, tradeDate)
		return result, nil, err
	}

	primary, secondary := available[0], available[1]

	var (
		wg           sync.WaitGroup
		pRows, sRows []models.DailyBasicRow
		pErr, sErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		pRows, pErr = primary.DailyBasic(ctx, tradeDate)
	}()
	go func() {
		defer wg.Done()
		sRows, sErr = secondary.DailyBasic(ctx, tradeDate)
	}()
	wg.Wait()

	switch {
	case pErr == nil && sErr == nil:
		report := CheckConsistency(primary.Name(), secondary.Name(), pRows, sRows)
		m.logger.Info().
			Str("primary", primary.Name()).
			Str("secondary", secondary.Name()).
			Float64("confidence", report.ConfidenceScore).
			Str("action", report.RecommendedAction).
			Msg("consistency check complete")
		return &interfaces.SourceResult[[]models.DailyBasicRow]{Source: primary.Name(), Data: pRows}, report, nil
	case pErr == nil:
		m.logger.Warn().Err(sErr).Str("source", secondary.Name()).Msg("secondary source failed, skipping consistency check")
		return &interfaces.SourceResult[[]models.DailyBasicRow]{Source: primary.Name(), Data: pRows}, nil, nil
	case sErr == nil:
		m.logger.Warn().Err(pErr).Str("source", primary.Name()).Msg("primary source failed, using secondary")
		return &interfaces.SourceResult[[]models.DailyBasicRow]{Source: secondary.Name(), Data: sRows}, nil, nil
	default:
		return nil, nil, errors.Join(pErr, sErr)
	}
}

// fallback walks the adapters in order, skipping unavailable ones and
// not-supported capabilities, until a usable result appears.
func fallback[T any](ctx context.Context, m *Manager, adapters []interfaces.DataSourceAdapter, op string,
	call func(context.Context, interfaces.DataSourceAdapter) (T, error), usable func(T) bool) (*interfaces.SourceResult[T], error) {

	var lastErr error
	for _, a := range adapters {
		if !a.Available(ctx).Available {
			continue
		}

		data, err := call(ctx, a)
		if err != nil {
			if errors.Is(err, interfaces.ErrNotSupported) {
				continue
			}
			m.logger.Warn().Err(err).Str("source", a.Name()).Str("op", op).Msg("source failed, falling back")
			lastErr = err
			continue
		}
		if !usable(data) {
			m.logger.Debug().Str("source", a.Name()).Str("op", op).Msg("source returned no data, falling back")
			continue
		}
		return &interfaces.SourceResult[T]{Source: a.Name(), Data: data}, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, interfaces.ErrEmpty
}

// Ensure Manager implements DataSourceManager
var _ interfaces.DataSourceManager = (*Manager)(nil)
