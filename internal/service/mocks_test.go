package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/postbackcache/internal/model"
	"github.com/iurnickita/postbackcache/internal/service/config"
	"github.com/iurnickita/postbackcache/internal/service/postbackclient"
	"github.com/iurnickita/postbackcache/internal/store"
)

const testPostbackURL = "https://tracker.test/postback"

// Хранилище в памяти с той же семантикой областей кэша, что и PostgreSQL
type memStore struct {
	mu sync.Mutex

	offers       map[string]model.Offer
	assignments  map[string]int64
	verticals    map[int64]model.Vertical
	nextVertical int64
	cached       []model.CachedConversion
	nextCached   int64
	attempts     []model.PostbackAttempt
	logs         []model.ConversionLog

	// внедрение сбоев
	errOfferGet   error
	errCacheSum   error
	errCacheGet   map[int64]error
	panicOfferGet bool
}

func newMemStore() *memStore {
	return &memStore{
		offers:      make(map[string]model.Offer),
		assignments: make(map[string]int64),
		verticals:   make(map[int64]model.Vertical),
		errCacheGet: make(map[int64]error),
	}
}

func (m *memStore) inScope(offerID string, scope model.CacheScope) bool {
	if scope.IsVertical() {
		return m.assignments[offerID] == scope.VerticalID
	}
	return offerID == scope.OfferID
}

func (m *memStore) resolve(offer model.Offer) model.Offer {
	offer.Vertical = nil
	if verticalID, ok := m.assignments[offer.ID]; ok {
		vertical := m.verticals[verticalID]
		offer.Vertical = &vertical
	}
	return offer
}

func (m *memStore) OfferGet(_ context.Context, offerID string) (model.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panicOfferGet {
		panic("offer lookup exploded")
	}
	if m.errOfferGet != nil {
		return model.Offer{}, m.errOfferGet
	}
	offer, ok := m.offers[offerID]
	if !ok {
		return model.Offer{}, store.ErrNoRows
	}
	return m.resolve(offer), nil
}

func (m *memStore) OfferList(_ context.Context) ([]model.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var offers []model.Offer
	for _, offer := range m.offers {
		offers = append(offers, m.resolve(offer))
	}
	sort.Slice(offers, func(i, j int) bool { return offers[i].ID < offers[j].ID })
	return offers, nil
}

func (m *memStore) OfferPost(_ context.Context, offer model.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offers[offer.ID]; ok {
		return store.ErrAlreadyExists
	}
	offer.Vertical = nil
	m.offers[offer.ID] = offer
	return nil
}

func (m *memStore) OfferPut(_ context.Context, offer model.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offers[offer.ID]; !ok {
		return store.ErrNoRows
	}
	offer.Vertical = nil
	m.offers[offer.ID] = offer
	return nil
}

func (m *memStore) OfferDelete(_ context.Context, offerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offers[offerID]; !ok {
		return store.ErrNoRows
	}
	delete(m.offers, offerID)
	delete(m.assignments, offerID)
	m.cached = filter(m.cached, func(row model.CachedConversion) bool { return row.OfferID != offerID })
	return nil
}

func (m *memStore) OfferAssign(_ context.Context, offerID string, verticalID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.verticals[verticalID]; !ok {
		return store.ErrNoRows
	}
	m.assignments[offerID] = verticalID
	return nil
}

func (m *memStore) OfferUnassign(_ context.Context, offerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.assignments, offerID)
	return nil
}

func (m *memStore) OfferListByVertical(_ context.Context, verticalID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var offers []string
	for offerID, id := range m.assignments {
		if id == verticalID {
			offers = append(offers, offerID)
		}
	}
	sort.Strings(offers)
	return offers, nil
}

func (m *memStore) OfferListUnassignedCached(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var offers []string
	for _, row := range m.cached {
		if _, ok := m.assignments[row.OfferID]; ok || seen[row.OfferID] {
			continue
		}
		seen[row.OfferID] = true
		offers = append(offers, row.OfferID)
	}
	sort.Strings(offers)
	return offers, nil
}

func (m *memStore) VerticalGet(_ context.Context, verticalID int64) (model.Vertical, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vertical, ok := m.verticals[verticalID]
	if !ok {
		return model.Vertical{}, store.ErrNoRows
	}
	return vertical, nil
}

func (m *memStore) VerticalList(_ context.Context) ([]model.Vertical, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var verticals []model.Vertical
	for _, vertical := range m.verticals {
		verticals = append(verticals, vertical)
	}
	sort.Slice(verticals, func(i, j int) bool { return verticals[i].Name < verticals[j].Name })
	return verticals, nil
}

func (m *memStore) VerticalPost(_ context.Context, vertical model.Vertical) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.verticals {
		if v.Name == vertical.Name {
			return 0, store.ErrAlreadyExists
		}
	}
	m.nextVertical++
	vertical.ID = m.nextVertical
	m.verticals[vertical.ID] = vertical
	return vertical.ID, nil
}

func (m *memStore) VerticalPut(_ context.Context, vertical model.Vertical) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.verticals[vertical.ID]; !ok {
		return store.ErrNoRows
	}
	m.verticals[vertical.ID] = vertical
	return nil
}

func (m *memStore) VerticalDelete(_ context.Context, verticalID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.verticals[verticalID]; !ok {
		return store.ErrNoRows
	}
	delete(m.verticals, verticalID)
	for offerID, id := range m.assignments {
		if id == verticalID {
			delete(m.assignments, offerID)
		}
	}
	return nil
}

func (m *memStore) CachePost(_ context.Context, row model.CachedConversion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCached++
	row.ID = m.nextCached
	m.cached = append(m.cached, row)
	return nil
}

func (m *memStore) CacheSum(_ context.Context, scope model.CacheScope) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errCacheSum != nil {
		return 0, m.errCacheSum
	}
	var total int64
	for _, row := range m.cached {
		if m.inScope(row.OfferID, scope) {
			total += row.Amount
		}
	}
	return total, nil
}

func (m *memStore) CacheGet(_ context.Context, scope model.CacheScope) ([]model.CachedConversion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errCacheGet[scope.VerticalID]; err != nil && scope.IsVertical() {
		return nil, err
	}
	var rows []model.CachedConversion
	for _, row := range m.cached {
		if m.inScope(row.OfferID, scope) {
			rows = append(rows, row)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
	return rows, nil
}

func (m *memStore) CacheClear(_ context.Context, scope model.CacheScope) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.cached)
	m.cached = filter(m.cached, func(row model.CachedConversion) bool { return !m.inScope(row.OfferID, scope) })
	return int64(before - len(m.cached)), nil
}

func (m *memStore) CacheClearAll(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cleared := len(m.cached)
	m.cached = nil
	return int64(cleared), nil
}

func (m *memStore) PostbackPost(_ context.Context, attempt model.PostbackAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, attempt)
	return nil
}

func (m *memStore) LogPost(_ context.Context, entry model.ConversionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = int64(len(m.logs) + 1)
	entry.CreatedAt = time.Now()
	m.logs = append(m.logs, entry)
	return nil
}

func (m *memStore) LogGetRecent(_ context.Context, limit int) ([]model.ConversionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []model.ConversionLog
	for i := len(m.logs) - 1; i >= 0 && len(entries) < limit; i-- {
		entries = append(entries, m.logs[i])
	}
	return entries, nil
}

func (m *memStore) LogGetLastTime(_ context.Context, action string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.logs) - 1; i >= 0; i-- {
		if m.logs[i].Action == action {
			return m.logs[i].CreatedAt, nil
		}
	}
	return time.Time{}, store.ErrNoRows
}

func (m *memStore) StatsGet(_ context.Context) (model.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats model.Stats
	for _, row := range m.cached {
		stats.GlobalCachedAmount += row.Amount
		stats.CachedConversions++
	}
	for _, attempt := range m.attempts {
		stats.TotalPostbacks++
		if attempt.Success {
			stats.SuccessfulPostbacks++
		}
	}
	return stats, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var actions []string
	for _, entry := range m.logs {
		actions = append(actions, entry.Action)
	}
	return actions
}

func (m *memStore) cachedRows() []model.CachedConversion {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.CachedConversion(nil), m.cached...)
}

func (m *memStore) postbackAttempts() []model.PostbackAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.PostbackAttempt(nil), m.attempts...)
}

func filter(rows []model.CachedConversion, keep func(model.CachedConversion) bool) []model.CachedConversion {
	var kept []model.CachedConversion
	for _, row := range rows {
		if keep(row) {
			kept = append(kept, row)
		}
	}
	return kept
}

// Трекер: запоминает постбеки, может отвечать ошибкой
type fakePostback struct {
	mu    sync.Mutex
	calls []postbackclient.Postback
	err   error
	delay time.Duration
}

func (f *fakePostback) Send(_ context.Context, postback postbackclient.Postback) (postbackclient.Response, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, postback)

	response := postbackclient.Response{URL: postbackclient.BuildURL(testPostbackURL, postback)}
	if f.err != nil {
		return response, f.err
	}
	response.StatusCode = 200
	response.Body = "OK"
	return response, nil
}

func (f *fakePostback) sent() []postbackclient.Postback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]postbackclient.Postback(nil), f.calls...)
}

var errTrackerDown = errors.New("HTTP error! status: 503")

type testEnv struct {
	store    *memStore
	postback *fakePostback
	service  *service
	clock    time.Time
}

func newTestEnv() *testEnv {
	env := &testEnv{
		store:    newMemStore(),
		postback: &fakePostback{},
		clock:    time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC),
	}
	svc := NewService(config.Config{PostbackURL: testPostbackURL}, env.store, env.postback, zap.NewNop()).(*service)
	var clockMu sync.Mutex
	svc.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		env.clock = env.clock.Add(time.Second)
		return env.clock
	}
	env.service = svc
	return env
}
