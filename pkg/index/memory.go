package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
)

// ErrConflict is returned when a transaction commits over state it did not start from.
var ErrConflict = errors.New("index modified by another transaction")

type storedSummary struct {
	summary *models.ProductSummary
	eventID *int64
}

type memoryState struct {
	version       int64
	nextEventID   int64
	nextSummaryID int64
	events        map[int64]*StoredEvent
	summaries     map[int64]*storedSummary
}

func newMemoryState() *memoryState {
	return &memoryState{
		events:    map[int64]*StoredEvent{},
		summaries: map[int64]*storedSummary{},
	}
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		version:       s.version,
		nextEventID:   s.nextEventID,
		nextSummaryID: s.nextSummaryID,
		events:        make(map[int64]*StoredEvent, len(s.events)),
		summaries:     make(map[int64]*storedSummary, len(s.summaries)),
	}
	for id, e := range s.events {
		row := *e
		c.events[id] = &row
	}
	for id, ss := range s.summaries {
		row := *ss
		c.summaries[id] = &row
	}
	return c
}

type memoryTx struct {
	mu    sync.Mutex
	base  int64
	state *memoryState
}

type memoryTxKey struct{ index *Memory }

// Memory is a ProductIndex held in process memory. Transactions work on a private copy of the state that
// replaces the shared state on commit.
type Memory struct {
	logger ectologger.Logger
	now    func() time.Time

	mu    sync.RWMutex
	state *memoryState
}

// NewMemory creates an empty in-memory index.
func NewMemory(logger ectologger.Logger) *Memory {
	return &Memory{
		logger: logger,
		now:    time.Now,
		state:  newMemoryState(),
	}
}

func (m *Memory) txFromContext(ctx context.Context) *memoryTx {
	tx, _ := ctx.Value(memoryTxKey{m}).(*memoryTx)
	return tx
}

func (m *Memory) BeginTransaction(ctx context.Context) (context.Context, error) {
	if m.txFromContext(ctx) != nil {
		return ctx, fmt.Errorf("begin transaction: transaction already open")
	}
	m.mu.RLock()
	tx := &memoryTx{base: m.state.version, state: m.state.clone()}
	m.mu.RUnlock()
	return context.WithValue(ctx, memoryTxKey{m}, tx), nil
}

func (m *Memory) CommitTransaction(ctx context.Context) error {
	tx := m.txFromContext(ctx)
	if tx == nil {
		return ErrNoTransaction
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state == nil {
		return ErrNoTransaction
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.version != tx.base {
		tx.state = nil
		return ErrConflict
	}
	tx.state.version++
	m.state = tx.state
	tx.state = nil
	return nil
}

func (m *Memory) RollbackTransaction(ctx context.Context) error {
	tx := m.txFromContext(ctx)
	if tx == nil {
		return ErrNoTransaction
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state == nil {
		return ErrNoTransaction
	}
	tx.state = nil
	m.logger.WithContext(ctx).Debug("rolled back index transaction")
	return nil
}

// view runs fn against the transaction state when ctx carries one, else against the shared state.
func (m *Memory) view(ctx context.Context, fn func(*memoryState) error) error {
	if tx := m.txFromContext(ctx); tx != nil {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		if tx.state == nil {
			return ErrNoTransaction
		}
		return fn(tx.state)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.state)
}

// update runs fn against the transaction state, or applies it directly to the shared state outside a
// transaction. A failed fn leaves the shared state untouched.
func (m *Memory) update(ctx context.Context, fn func(*memoryState) error) error {
	if tx := m.txFromContext(ctx); tx != nil {
		return m.view(ctx, fn)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.state.clone()
	if err := fn(next); err != nil {
		return err
	}
	next.version++
	m.state = next
	return nil
}

func (m *Memory) GetEvents(ctx context.Context, query *models.ProductIndexQuery) ([]*models.Event, error) {
	var events []*models.Event
	err := m.view(ctx, func(s *memoryState) error {
		seen := map[int64]bool{}
		var ids []int64
		for _, ss := range s.sortedSummaries() {
			if ss.eventID == nil || seen[*ss.eventID] {
				continue
			}
			row, ok := s.events[*ss.eventID]
			if !ok || !s.matches(query, ss, row) {
				continue
			}
			seen[*ss.eventID] = true
			ids = append(ids, *ss.eventID)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		if query.Limit > 0 && len(ids) > query.Limit {
			ids = ids[:query.Limit]
		}
		for _, id := range ids {
			events = append(events, s.loadEvent(id))
		}
		return nil
	})
	return events, err
}

func (m *Memory) AddEvent(ctx context.Context, event *models.Event) (*models.Event, error) {
	var added *models.Event
	err := m.update(ctx, func(s *memoryState) error {
		s.nextEventID++
		now := m.now().UTC()
		s.events[s.nextEventID] = &StoredEvent{
			IndexID: s.nextEventID,
			Created: now,
			Updated: now,
			Status:  models.StatusUpdate,
		}
		added = event.WithIndexID(s.nextEventID)
		return nil
	})
	return added, err
}

func (m *Memory) RemoveEvent(ctx context.Context, event *models.Event) ([]models.ProductID, error) {
	if event.IndexID == nil {
		return nil, nil
	}
	var removed []models.ProductID
	err := m.update(ctx, func(s *memoryState) error {
		for _, summary := range event.ProductList() {
			id, err := s.removeSummary(summary)
			if err != nil {
				return err
			}
			removed = append(removed, id)
		}
		if _, ok := s.events[*event.IndexID]; !ok {
			return fmt.Errorf("remove event %d: %w", *event.IndexID, ErrEventNotFound)
		}
		delete(s.events, *event.IndexID)
		for _, ss := range s.summaries {
			if ss.eventID != nil && *ss.eventID == *event.IndexID {
				ss.eventID = nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (m *Memory) GetProducts(ctx context.Context, query *models.ProductIndexQuery) ([]*models.ProductSummary, error) {
	return m.products(ctx, query, false)
}

func (m *Memory) GetUnassociatedProducts(ctx context.Context, query *models.ProductIndexQuery) ([]*models.ProductSummary, error) {
	return m.products(ctx, query, true)
}

func (m *Memory) products(ctx context.Context, query *models.ProductIndexQuery, unassociated bool) ([]*models.ProductSummary, error) {
	if query.SearchType() == models.SearchEventPreferred {
		return nil, ErrPreferredNotSupported
	}
	var out []*models.ProductSummary
	err := m.view(ctx, func(s *memoryState) error {
		for _, ss := range s.sortedSummaries() {
			if unassociated && ss.eventID != nil {
				continue
			}
			if !s.matches(query, ss, nil) {
				continue
			}
			out = append(out, ss.summary)
			if query.Limit > 0 && len(out) == query.Limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (m *Memory) AddProductSummary(ctx context.Context, summary *models.ProductSummary) (*models.ProductSummary, error) {
	var added *models.ProductSummary
	err := m.update(ctx, func(s *memoryState) error {
		s.nextSummaryID++
		added = summary.WithIndexID(s.nextSummaryID)
		s.summaries[s.nextSummaryID] = &storedSummary{summary: added}
		return nil
	})
	return added, err
}

func (m *Memory) RemoveProductSummary(ctx context.Context, summary *models.ProductSummary) (models.ProductID, error) {
	var id models.ProductID
	err := m.update(ctx, func(s *memoryState) error {
		var err error
		id, err = s.removeSummary(summary)
		return err
	})
	return id, err
}

func (m *Memory) AddAssociation(ctx context.Context, event *models.Event, summary *models.ProductSummary) (*models.Event, error) {
	if event.IndexID == nil || summary.IndexID == nil {
		return nil, fmt.Errorf("add association: %w", ErrMissingIndexID)
	}
	err := m.update(ctx, func(s *memoryState) error {
		if _, ok := s.events[*event.IndexID]; !ok {
			return fmt.Errorf("add association to event %d: %w", *event.IndexID, ErrEventNotFound)
		}
		eventID := *event.IndexID
		for _, ss := range s.summaries {
			if ss.summary.ID.IsSameProduct(summary.ID) {
				ss.eventID = &eventID
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	updated := event.Copy()
	updated.AddProduct(summary)
	return updated, nil
}

func (m *Memory) RemoveAssociation(ctx context.Context, event *models.Event, summary *models.ProductSummary) (*models.Event, error) {
	if event.IndexID == nil || summary.IndexID == nil {
		return event, nil
	}
	err := m.update(ctx, func(s *memoryState) error {
		rows := 0
		for _, ss := range s.summaries {
			if ss.summary.ID.IsSameProduct(summary.ID) {
				ss.eventID = nil
				rows++
			}
		}
		if rows == 0 {
			return fmt.Errorf("remove association of %s: %w", summary.ID, ErrAssociationNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	updated := event.Copy()
	updated.RemoveAllVersions(summary)
	return updated, nil
}

func (m *Memory) EventsUpdated(ctx context.Context, events []*models.Event) error {
	return m.update(ctx, func(s *memoryState) error {
		now := m.now().UTC()
		for _, event := range events {
			if event == nil || event.IndexID == nil {
				continue
			}
			row, ok := s.events[*event.IndexID]
			if !ok {
				return fmt.Errorf("update event %d: %w", *event.IndexID, ErrEventNotFound)
			}
			row.Apply(event, now)
		}
		return nil
	})
}

// StoredEvent returns a copy of the persisted event row.
func (m *Memory) StoredEvent(ctx context.Context, indexID int64) (*StoredEvent, error) {
	var row *StoredEvent
	err := m.view(ctx, func(s *memoryState) error {
		r, ok := s.events[indexID]
		if !ok {
			return ErrEventNotFound
		}
		c := *r
		row = &c
		return nil
	})
	return row, err
}

func (s *memoryState) removeSummary(summary *models.ProductSummary) (models.ProductID, error) {
	if summary.IndexID == nil {
		return models.ProductID{}, fmt.Errorf("remove summary %s: %w", summary.ID, ErrMissingIndexID)
	}
	delete(s.summaries, *summary.IndexID)
	return summary.ID, nil
}

func (s *memoryState) sortedSummaries() []*storedSummary {
	ids := make([]int64, 0, len(s.summaries))
	for id := range s.summaries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*storedSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.summaries[id])
	}
	return out
}

func (s *memoryState) loadEvent(id int64) *models.Event {
	var summaries []*models.ProductSummary
	for _, ss := range s.sortedSummaries() {
		if ss.eventID != nil && *ss.eventID == id {
			summaries = append(summaries, ss.summary)
		}
	}
	return models.NewEvent(&id, summaries...)
}

// matches applies every query clause to a stored summary. row is the associated event, used when the query
// compares preferred event values.
func (s *memoryState) matches(query *models.ProductIndexQuery, ss *storedSummary, row *StoredEvent) bool {
	summary := ss.summary
	if !query.MatchesProduct(summary) {
		return false
	}
	if query.SearchType() == models.SearchEventPreferred {
		if row == nil || !query.Matches(row.Time, row.Latitude, row.Longitude, row.Depth, row.Magnitude) {
			return false
		}
	} else if !query.Matches(summary.EventTime, summary.EventLatitude, summary.EventLongitude, summary.EventDepth, summary.EventMagnitude) {
		return false
	}

	switch query.Result() {
	case models.ResultCurrent:
		if query.ProductSource != "" && query.ProductType != "" && query.ProductCode != "" {
			latest := s.latestVersion(summary.ID)
			return latest != nil && latest.IndexID != nil && summary.IndexID != nil && *latest.IndexID == *summary.IndexID
		}
		return !s.hasNewerVersion(summary)
	case models.ResultSuperseded:
		return s.hasNewerVersion(summary)
	}
	return true
}

// latestVersion is the newest non-deleted version of the product identity.
func (s *memoryState) latestVersion(id models.ProductID) *models.ProductSummary {
	var latest *models.ProductSummary
	for _, ss := range s.sortedSummaries() {
		other := ss.summary
		if !other.ID.IsSameProduct(id) || other.IsDeleted() {
			continue
		}
		if latest == nil || other.ID.UpdateTime.After(latest.ID.UpdateTime) {
			latest = other
		}
	}
	return latest
}

// hasNewerVersion reports whether a newer non-deleted version of the same product exists.
func (s *memoryState) hasNewerVersion(summary *models.ProductSummary) bool {
	for _, ss := range s.summaries {
		other := ss.summary
		if other.ID.IsSameProduct(summary.ID) && other.ID.UpdateTime.After(summary.ID.UpdateTime) && !other.IsDeleted() {
			return true
		}
	}
	return false
}
