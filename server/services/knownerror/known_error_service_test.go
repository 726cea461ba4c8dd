package knownerror

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchops/batchops/common/gerror"
	"github.com/batchops/batchops/common/logger"
	"github.com/batchops/batchops/common/models"
	"github.com/batchops/batchops/server/store"
)

type fakeKnownErrorStore struct {
	mutex sync.Mutex
	rules []*models.KnownError
}

func (f *fakeKnownErrorStore) Create(ctx context.Context, txOrNil *store.Tx, knownError *models.KnownError) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	for _, rule := range f.rules {
		if rule.Name == knownError.Name {
			return gerror.NewErrAlreadyExists(fmt.Sprintf("known error %q already exists", knownError.Name))
		}
	}
	copied := *knownError
	f.rules = append(f.rules, &copied)
	return nil
}

func (f *fakeKnownErrorStore) Read(ctx context.Context, txOrNil *store.Tx, id models.KnownErrorID) (*models.KnownError, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	for _, rule := range f.rules {
		if rule.ID == id {
			copied := *rule
			return &copied, nil
		}
	}
	return nil, gerror.NewErrNotFound(fmt.Sprintf("known error %s not found", id))
}

func (f *fakeKnownErrorStore) ReadByName(ctx context.Context, txOrNil *store.Tx, name string) (*models.KnownError, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	for _, rule := range f.rules {
		if rule.Name == name {
			copied := *rule
			return &copied, nil
		}
	}
	return nil, gerror.NewErrNotFound(fmt.Sprintf("known error %q not found", name))
}

func (f *fakeKnownErrorStore) ListAll(ctx context.Context, txOrNil *store.Tx) ([]*models.KnownError, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	rules := make([]*models.KnownError, 0, len(f.rules))
	for _, rule := range f.rules {
		copied := *rule
		rules = append(rules, &copied)
	}
	return rules, nil
}

func newServiceFixture(t *testing.T) (*KnownErrorService, *fakeKnownErrorStore, *clock.Mock) {
	t.Helper()
	knownErrorStore := &fakeKnownErrorStore{}
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	return NewKnownErrorService(knownErrorStore, clk, logger.NoOpLogFactory), knownErrorStore, clk
}

func TestMatchIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newServiceFixture(t)
	require.NoError(t, service.EnsureDefaults(ctx))

	rule, err := service.Match(ctx, nil, "standardize failed: NO TABLE FOUND IN FIRST PDF PAGE of upload")
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, "No table found in first PDF page", rule.Name)
	assert.Equal(t, models.CategoryIngest, rule.Category)
}

func TestMatchReturnsNilForUnknownMessage(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newServiceFixture(t)
	require.NoError(t, service.EnsureDefaults(ctx))

	rule, err := service.Match(ctx, nil, "something entirely novel went wrong")
	require.NoError(t, err)
	assert.Nil(t, rule)
}

func TestMatchEarliestCreatedRuleWins(t *testing.T) {
	ctx := context.Background()
	service, knownErrorStore, clk := newServiceFixture(t)

	older := models.NewKnownError(models.NewTime(clk.Now()), "broad rule", "failed", models.SeverityLow, models.CategoryRuntime)
	clk.Add(time.Minute)
	newer := models.NewKnownError(models.NewTime(clk.Now()), "specific rule", "transform failed", models.SeverityHigh, models.CategoryTransform)
	// Insert newest first so ordering must come from created time, not insert order
	require.NoError(t, knownErrorStore.Create(ctx, nil, newer))
	require.NoError(t, knownErrorStore.Create(ctx, nil, older))

	rule, err := service.Match(ctx, nil, "transform failed: bad cell")
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, "broad rule", rule.Name)
}

func TestMatchSkipsInvalidPattern(t *testing.T) {
	ctx := context.Background()
	service, knownErrorStore, clk := newServiceFixture(t)

	broken := models.NewKnownError(models.NewTime(clk.Now()), "broken", "(unclosed", models.SeverityLow, models.CategoryRuntime)
	knownErrorStore.rules = append(knownErrorStore.rules, broken) // bypass Create validation
	clk.Add(time.Minute)
	valid := models.NewKnownError(models.NewTime(clk.Now()), "valid", "timed out", models.SeverityMedium, models.CategoryRuntime)
	require.NoError(t, knownErrorStore.Create(ctx, nil, valid))

	rule, err := service.Match(ctx, nil, "stage timed out after 600s")
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, "valid", rule.Name)
}

func TestEnsureDefaultsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	service, knownErrorStore, _ := newServiceFixture(t)

	require.NoError(t, service.EnsureDefaults(ctx))
	first, err := knownErrorStore.ListAll(ctx, nil)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	require.NoError(t, service.EnsureDefaults(ctx))
	second, err := knownErrorStore.ListAll(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, second, len(first))

	// Auto-retry rule carries its bound
	lock, err := knownErrorStore.ReadByName(ctx, nil, "Temporary storage lock")
	require.NoError(t, err)
	assert.True(t, lock.AutoRetry)
	assert.Equal(t, 2, lock.MaxAutoRetries)
	require.NoError(t, lock.Validate())
}
