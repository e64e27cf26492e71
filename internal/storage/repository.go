package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"risk-pipeline/internal/cache"
	"risk-pipeline/internal/history"
	"risk-pipeline/internal/schema"
)

// readThrough is the cache-aside half shared by the repositories: reads try
// the cache first and fill it on a miss, writes invalidate. A nil cache
// disables caching. Cache failures are logged, never returned.
type readThrough struct {
	cache  cache.Client
	ttl    time.Duration
	logger *slog.Logger
}

func newReadThrough(c cache.Client, logger *slog.Logger) readThrough {
	if logger == nil {
		logger = slog.Default()
	}
	return readThrough{cache: c, ttl: cache.DefaultTTL, logger: logger}
}

func (r readThrough) get(ctx context.Context, key string, v any) bool {
	if r.cache == nil {
		return false
	}
	err := cache.GetJSON(ctx, r.cache, key, v)
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		r.logger.Warn("cache read failed", "key", key, "error", err)
	}
	return err == nil
}

func (r readThrough) set(ctx context.Context, key string, v any) {
	if r.cache == nil {
		return
	}
	if err := cache.SetJSON(ctx, r.cache, key, v, r.ttl); err != nil {
		r.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

func (r readThrough) invalidate(ctx context.Context, keys ...string) {
	if r.cache == nil || len(keys) == 0 {
		return
	}
	if err := r.cache.Delete(ctx, keys...); err != nil {
		r.logger.Warn("cache invalidate failed", "keys", keys, "error", err)
	}
}

// insertRows sends rows to table in one batch.
func insertRows(ctx context.Context, client *ClickHouseClient, table, columns string, rows ...[]any) error {
	batch, err := client.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s)", table, columns))
	if err != nil {
		return WrapQueryError("PrepareBatch", table, err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			batch.Abort()
			return &StorageError{Op: "Append", Table: table, Err: fmt.Errorf("%w: %v", ErrInvalidData, err)}
		}
	}
	if err := batch.Send(); err != nil {
		return &StorageError{Op: "Send", Table: table, Err: fmt.Errorf("%w: %v", ErrBatchInsertFailed, err)}
	}
	return nil
}

// ----------------------------------------------------------------------------
// Events
// ----------------------------------------------------------------------------

// EventRepository stores normalized events. It also serves as a
// ClickHouse-backed history.Store.
type EventRepository struct {
	client *ClickHouseClient
	cache  readThrough
}

var _ history.Store = (*EventRepository)(nil)

// NewEventRepository creates an EventRepository. c may be nil.
func NewEventRepository(client *ClickHouseClient, c cache.Client, logger *slog.Logger) *EventRepository {
	return &EventRepository{client: client, cache: newReadThrough(c, logger)}
}

func eventKey(hash string) string { return "event:" + strings.ToLower(hash) }

// Create inserts e.
func (r *EventRepository) Create(ctx context.Context, e *schema.NormalizedEvent) error {
	if e == nil || e.TransactionHash == "" {
		return WrapInvalidDataError("Create", tableEvents, "event without transaction hash")
	}
	if err := insertRows(ctx, r.client, tableEvents, eventColumns, newEventRow(e).values()); err != nil {
		return err
	}
	r.cache.invalidate(ctx, eventKey(e.TransactionHash))
	return nil
}

// FindByHash returns the event with transaction hash hash.
func (r *EventRepository) FindByHash(ctx context.Context, hash string) (*schema.NormalizedEvent, error) {
	hash = strings.ToLower(hash)
	var cached schema.NormalizedEvent
	if r.cache.get(ctx, eventKey(hash), &cached) {
		return &cached, nil
	}

	var rows []eventRow
	err := r.client.Select(ctx, &rows,
		"SELECT "+eventColumns+" FROM events FINAL WHERE tx_hash = ? LIMIT 1", hash)
	if err != nil {
		return nil, WrapQueryError("FindByHash", tableEvents, err)
	}
	if len(rows) == 0 {
		return nil, WrapNotFoundError("FindByHash", tableEvents, hash)
	}

	e := rows[0].event()
	r.cache.set(ctx, eventKey(hash), e)
	return e, nil
}

// FindByAddress returns events sent or received by addr at or after since,
// newest first.
func (r *EventRepository) FindByAddress(ctx context.Context, addr string, since time.Time, limit int) ([]*schema.NormalizedEvent, error) {
	if limit <= 0 {
		limit = history.DefaultMaxPerAddress
	}
	addr = strings.ToLower(addr)

	var rows []eventRow
	err := r.client.Select(ctx, &rows,
		"SELECT "+eventColumns+` FROM events FINAL
		WHERE (from_address = ? OR to_address = ?) AND event_time >= ?
		ORDER BY event_time DESC LIMIT ?`,
		addr, addr, since.UTC(), uint64(limit))
	if err != nil {
		return nil, WrapQueryError("FindByAddress", tableEvents, err)
	}

	out := make([]*schema.NormalizedEvent, len(rows))
	for i, row := range rows {
		out[i] = row.event()
	}
	return out, nil
}

// Delete removes the event with transaction hash hash.
func (r *EventRepository) Delete(ctx context.Context, hash string) error {
	hash = strings.ToLower(hash)
	if err := r.client.Exec(ctx, "DELETE FROM events WHERE tx_hash = ?", hash); err != nil {
		return WrapQueryError("Delete", tableEvents, err)
	}
	r.cache.invalidate(ctx, eventKey(hash))
	return nil
}

// Append implements history.Store.
func (r *EventRepository) Append(ctx context.Context, e *schema.NormalizedEvent) error {
	return r.Create(ctx, e)
}

// RecentByAddress implements history.Store.
func (r *EventRepository) RecentByAddress(ctx context.Context, addr string, since time.Time, limit int) ([]*schema.NormalizedEvent, error) {
	events, err := r.FindByAddress(ctx, addr, since, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// Counterparties implements history.Store.
func (r *EventRepository) Counterparties(ctx context.Context, addr string, limit int) ([]string, error) {
	events, err := r.FindByAddress(ctx, addr, time.Time{}, history.DefaultMaxPerAddress)
	if err != nil {
		return nil, err
	}
	addr = strings.ToLower(addr)
	seen := make(map[string]bool)
	out := []string{}
	for _, e := range events {
		other := history.Counterparty(e, addr)
		if other == "" || seen[other] {
			continue
		}
		seen[other] = true
		out = append(out, other)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Analyses
// ----------------------------------------------------------------------------

// AnalysisRepository stores risk analyses. Updates insert a newer row
// version; reads use FINAL so only the latest version is seen.
type AnalysisRepository struct {
	client *ClickHouseClient
	cache  readThrough
	now    func() time.Time
}

// NewAnalysisRepository creates an AnalysisRepository. c may be nil.
func NewAnalysisRepository(client *ClickHouseClient, c cache.Client, logger *slog.Logger) *AnalysisRepository {
	return &AnalysisRepository{client: client, cache: newReadThrough(c, logger), now: time.Now}
}

func analysisKey(traceID string) string { return "analysis:" + traceID }

// Create stores the analysis of event.
func (r *AnalysisRepository) Create(ctx context.Context, event *schema.NormalizedEvent, a *schema.EnhancedRiskAnalysis) error {
	if event == nil || a == nil || a.TraceID == "" {
		return WrapInvalidDataError("Create", tableAnalyses, "analysis without trace id")
	}
	row, err := newAnalysisRow(event.ChainID, event.From, a, r.now())
	if err != nil {
		return &StorageError{Op: "Create", Table: tableAnalyses, Err: fmt.Errorf("%w: %v", ErrInvalidData, err)}
	}
	if err := insertRows(ctx, r.client, tableAnalyses, analysisColumns, row.values()); err != nil {
		return err
	}
	r.cache.invalidate(ctx, analysisKey(a.TraceID))
	return nil
}

// FindByTraceID returns the latest version of the analysis for traceID.
func (r *AnalysisRepository) FindByTraceID(ctx context.Context, traceID string) (*schema.EnhancedRiskAnalysis, error) {
	var cached schema.EnhancedRiskAnalysis
	if r.cache.get(ctx, analysisKey(traceID), &cached) {
		return &cached, nil
	}

	row, err := r.findRow(ctx, "FindByTraceID", "trace_id", traceID)
	if err != nil {
		return nil, err
	}
	a, err := row.analysis()
	if err != nil {
		return nil, &StorageError{Op: "FindByTraceID", Table: tableAnalyses, Err: fmt.Errorf("%w: %v", ErrInvalidData, err)}
	}
	r.cache.set(ctx, analysisKey(traceID), a)
	return a, nil
}

// FindByTxHash returns the most recent analysis of transaction hash.
func (r *AnalysisRepository) FindByTxHash(ctx context.Context, hash string) (*schema.EnhancedRiskAnalysis, error) {
	row, err := r.findRow(ctx, "FindByTxHash", "tx_hash", strings.ToLower(hash))
	if err != nil {
		return nil, err
	}
	a, err := row.analysis()
	if err != nil {
		return nil, &StorageError{Op: "FindByTxHash", Table: tableAnalyses, Err: fmt.Errorf("%w: %v", ErrInvalidData, err)}
	}
	return a, nil
}

// Update replaces the stored analysis with the same trace ID.
func (r *AnalysisRepository) Update(ctx context.Context, a *schema.EnhancedRiskAnalysis) error {
	if a == nil || a.TraceID == "" {
		return WrapInvalidDataError("Update", tableAnalyses, "analysis without trace id")
	}
	existing, err := r.findRow(ctx, "Update", "trace_id", a.TraceID)
	if err != nil {
		return err
	}
	row, err := newAnalysisRow(existing.ChainID, existing.From, a, r.now())
	if err != nil {
		return &StorageError{Op: "Update", Table: tableAnalyses, Err: fmt.Errorf("%w: %v", ErrInvalidData, err)}
	}
	if err := insertRows(ctx, r.client, tableAnalyses, analysisColumns, row.values()); err != nil {
		return err
	}
	r.cache.invalidate(ctx, analysisKey(a.TraceID))
	return nil
}

// Delete removes every version of the analysis for traceID.
func (r *AnalysisRepository) Delete(ctx context.Context, traceID string) error {
	if err := r.client.Exec(ctx, "DELETE FROM risk_analyses WHERE trace_id = ?", traceID); err != nil {
		return WrapQueryError("Delete", tableAnalyses, err)
	}
	r.cache.invalidate(ctx, analysisKey(traceID))
	return nil
}

func (r *AnalysisRepository) findRow(ctx context.Context, op, column, value string) (analysisRow, error) {
	var rows []analysisRow
	err := r.client.Select(ctx, &rows,
		"SELECT "+analysisColumns+" FROM risk_analyses FINAL WHERE "+column+" = ? ORDER BY analyzed_at DESC LIMIT 1",
		value)
	if err != nil {
		return analysisRow{}, WrapQueryError(op, tableAnalyses, err)
	}
	if len(rows) == 0 {
		return analysisRow{}, WrapNotFoundError(op, tableAnalyses, value)
	}
	return rows[0], nil
}

// ----------------------------------------------------------------------------
// Profiles
// ----------------------------------------------------------------------------

// ProfileRepository stores address profiles. It also satisfies
// profile.BatchProfiler so stored profiles can feed the pipeline directly.
type ProfileRepository struct {
	client *ClickHouseClient
	cache  readThrough
	now    func() time.Time
}

// NewProfileRepository creates a ProfileRepository. c may be nil.
func NewProfileRepository(client *ClickHouseClient, c cache.Client, logger *slog.Logger) *ProfileRepository {
	return &ProfileRepository{client: client, cache: newReadThrough(c, logger), now: time.Now}
}

func profileKey(addr string) string { return "profile:" + strings.ToLower(addr) }

// Create inserts p.
func (r *ProfileRepository) Create(ctx context.Context, p *schema.AddressProfile) error {
	if p == nil || p.Address == "" {
		return WrapInvalidDataError("Create", tableProfiles, "profile without address")
	}
	cp := *p
	cp.Address = strings.ToLower(p.Address)
	if err := insertRows(ctx, r.client, tableProfiles, profileColumns, newProfileRow(&cp, r.now()).values()); err != nil {
		return err
	}
	r.cache.invalidate(ctx, profileKey(cp.Address))
	return nil
}

// FindByAddress returns the stored profile of addr.
func (r *ProfileRepository) FindByAddress(ctx context.Context, addr string) (*schema.AddressProfile, error) {
	addr = strings.ToLower(addr)
	var cached schema.AddressProfile
	if r.cache.get(ctx, profileKey(addr), &cached) {
		return &cached, nil
	}

	p, err := r.load(ctx, "FindByAddress", addr)
	if err != nil {
		return nil, err
	}
	r.cache.set(ctx, profileKey(addr), p)
	return p, nil
}

// Update replaces an existing profile.
func (r *ProfileRepository) Update(ctx context.Context, p *schema.AddressProfile) error {
	if p == nil || p.Address == "" {
		return WrapInvalidDataError("Update", tableProfiles, "profile without address")
	}
	if _, err := r.load(ctx, "Update", strings.ToLower(p.Address)); err != nil {
		return err
	}
	return r.Create(ctx, p)
}

// Delete removes the profile of addr.
func (r *ProfileRepository) Delete(ctx context.Context, addr string) error {
	addr = strings.ToLower(addr)
	if err := r.client.Exec(ctx, "DELETE FROM address_profiles WHERE address = ?", addr); err != nil {
		return WrapQueryError("Delete", tableProfiles, err)
	}
	r.cache.invalidate(ctx, profileKey(addr))
	return nil
}

// GetProfile returns the stored profile or an empty one.
func (r *ProfileRepository) GetProfile(ctx context.Context, addr string) (*schema.AddressProfile, error) {
	p, err := r.FindByAddress(ctx, addr)
	if IsNotFound(err) {
		return schema.EmptyProfile(strings.ToLower(addr)), nil
	}
	return p, err
}

// Refresh rereads the profile from ClickHouse, bypassing the cache.
func (r *ProfileRepository) Refresh(ctx context.Context, addr string) (*schema.AddressProfile, error) {
	addr = strings.ToLower(addr)
	r.cache.invalidate(ctx, profileKey(addr))
	p, err := r.load(ctx, "Refresh", addr)
	if IsNotFound(err) {
		return schema.EmptyProfile(addr), nil
	}
	if err != nil {
		return nil, err
	}
	r.cache.set(ctx, profileKey(addr), p)
	return p, nil
}

// GetProfiles loads the stored profiles of addrs in one query.
func (r *ProfileRepository) GetProfiles(ctx context.Context, addrs []string) (map[string]*schema.AddressProfile, error) {
	out := make(map[string]*schema.AddressProfile, len(addrs))
	if len(addrs) == 0 {
		return out, nil
	}
	byLower := make(map[string]string, len(addrs))
	lower := make([]string, 0, len(addrs))
	for _, a := range addrs {
		l := strings.ToLower(a)
		byLower[l] = a
		lower = append(lower, l)
	}

	var rows []profileRow
	err := r.client.Select(ctx, &rows,
		"SELECT "+profileColumns+" FROM address_profiles FINAL WHERE address IN ?", lower)
	if err != nil {
		return nil, WrapQueryError("GetProfiles", tableProfiles, err)
	}
	for _, row := range rows {
		if orig, ok := byLower[row.Address]; ok {
			out[orig] = row.profile()
		}
	}
	return out, nil
}

func (r *ProfileRepository) load(ctx context.Context, op, addr string) (*schema.AddressProfile, error) {
	var rows []profileRow
	err := r.client.Select(ctx, &rows,
		"SELECT "+profileColumns+" FROM address_profiles FINAL WHERE address = ? LIMIT 1", addr)
	if err != nil {
		return nil, WrapQueryError(op, tableProfiles, err)
	}
	if len(rows) == 0 {
		return nil, WrapNotFoundError(op, tableProfiles, addr)
	}
	return rows[0].profile(), nil
}
