package credits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/omnichannel-agent/internal/cache"
	"github.com/capitalize-ai/omnichannel-agent/internal/email"
	"github.com/capitalize-ai/omnichannel-agent/internal/model"
	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
)

type fakeStore struct {
	mu      sync.Mutex
	entries []model.LedgerEntry
	plan    int
	admin   string
	sums    int
}

func (s *fakeStore) sumLocked(ws string) int {
	total := 0
	for _, e := range s.entries {
		if e.WorkspaceID == ws {
			total += e.Delta
		}
	}
	return total
}

func (s *fakeStore) SumLedger(_ context.Context, ws string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sums++
	return s.sumLocked(ws), nil
}

func (s *fakeStore) AppendLedgerEntry(_ context.Context, e *model.LedgerEntry, floorZero bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance := s.sumLocked(e.WorkspaceID)
	if floorZero && balance+e.Delta < 0 {
		return fmt.Errorf("balance %d: %w", balance, model.ErrInsufficientCredits)
	}
	e.ID = fmt.Sprintf("e%d", len(s.entries)+1)
	e.BalanceAfter = balance + e.Delta
	s.entries = append(s.entries, *e)
	return nil
}

func (s *fakeStore) GetWorkspace(_ context.Context, id string) (*model.Workspace, error) {
	return &model.Workspace{ID: id, Name: "Acme", PlanCredits: s.plan}, nil
}

func (s *fakeStore) FirstAdminEmail(context.Context, string) (string, error) {
	if s.admin == "" {
		return "", model.ErrNotFound
	}
	return s.admin, nil
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []*email.Message
	err  error
}

func (m *fakeMailer) Send(_ context.Context, msg *email.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func newTestLedger(store *fakeStore, mailer *fakeMailer) (*Ledger, *cache.Memory) {
	c := cache.NewMemory()
	return NewLedger(store, c, mailer, logger.NewNop()), c
}

func TestLedger_GetBalanceReadThrough(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{plan: 1000}
	l, _ := newTestLedger(store, &fakeMailer{})

	_, err := l.Grant(ctx, "ws1", 50, model.ReasonPlanGrant, nil)
	require.NoError(t, err)

	b, err := l.GetBalance(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, 50, b)
	b, err = l.GetBalance(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, 50, b)
	assert.Equal(t, 1, store.sums, "second read is served from cache")
}

func TestLedger_WriteInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{plan: 10}
	l, _ := newTestLedger(store, &fakeMailer{})

	_, err := l.Grant(ctx, "ws1", 10, model.ReasonPlanGrant, nil)
	require.NoError(t, err)
	_, err = l.GetBalance(ctx, "ws1")
	require.NoError(t, err)

	_, err = l.Deduct(ctx, "ws1", 3, model.ReasonMessageConsumed, nil)
	require.NoError(t, err)
	b, err := l.GetBalance(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, 7, b)
}

func TestLedger_DeductInsufficient(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{plan: 100}
	l, _ := newTestLedger(store, &fakeMailer{})

	_, err := l.Grant(ctx, "ws1", 1, model.ReasonPromoGrant, nil)
	require.NoError(t, err)
	_, err = l.Deduct(ctx, "ws1", 2, model.ReasonTaggingConsumed, nil)
	assert.ErrorIs(t, err, model.ErrInsufficientCredits)

	_, err = l.Deduct(ctx, "ws1", 0, model.ReasonMessageConsumed, nil)
	assert.Error(t, err)
}

func TestLedger_ConcurrentDeductionsNeverGoNegative(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{plan: 1000}
	l, _ := newTestLedger(store, &fakeMailer{})
	_, err := l.Grant(ctx, "ws1", 5, model.ReasonPlanGrant, nil)
	require.NoError(t, err)
	_, err = l.GetBalance(ctx, "ws1") // warm the cache with a soon-stale value
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, insufficient := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Deduct(ctx, "ws1", 1, model.ReasonMessageConsumed, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, model.ErrInsufficientCredits):
				insufficient++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	assert.Equal(t, 15, insufficient)
	sum, err := store.SumLedger(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, 0, sum)
}

func TestLedger_LowBalanceAlertSuppressed(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{plan: 100, admin: "owner@acme.test"}
	mailer := &fakeMailer{}
	l, _ := newTestLedger(store, mailer)

	_, err := l.Grant(ctx, "ws1", 12, model.ReasonPlanGrant, nil)
	require.NoError(t, err)

	_, err = l.Deduct(ctx, "ws1", 2, model.ReasonMessageConsumed, nil) // 10, not below 10%
	require.NoError(t, err)
	assert.Equal(t, 0, mailer.count())

	_, err = l.Deduct(ctx, "ws1", 1, model.ReasonMessageConsumed, nil) // 9
	require.NoError(t, err)
	_, err = l.Deduct(ctx, "ws1", 1, model.ReasonMessageConsumed, nil) // 8
	require.NoError(t, err)

	require.Equal(t, 1, mailer.count())
	assert.Equal(t, []string{"owner@acme.test"}, mailer.sent[0].To)
}

func TestLedger_LowBalanceAlertRetriedAfterEmailFailure(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{plan: 100, admin: "owner@acme.test"}
	mailer := &fakeMailer{err: errors.New("smtp down")}
	l, c := newTestLedger(store, mailer)

	_, err := l.Grant(ctx, "ws1", 5, model.ReasonPlanGrant, nil)
	require.NoError(t, err)

	// Alert failure never fails the deduction.
	_, err = l.Deduct(ctx, "ws1", 1, model.ReasonMessageConsumed, nil)
	require.NoError(t, err)
	_, ok, err := c.Get(ctx, alertKey("ws1"))
	require.NoError(t, err)
	assert.False(t, ok)

	mailer.err = nil
	_, err = l.Deduct(ctx, "ws1", 1, model.ReasonMessageConsumed, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, mailer.count())
}
