package directory

import (
	"context"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicroute/internal/domain"
)

func authority(id string, cats ...domain.Category) domain.Authority {
	return domain.Authority{
		ID:              id,
		Name:            id,
		Type:            "municipal",
		Jurisdiction:    domain.Jurisdiction{Unbounded: true},
		Hours:           domain.WorkingHours{AlwaysOpen: true},
		Specializations: cats,
		MaxCapacity:     50,
		Active:          true,
	}
}

func TestFindByCategory(t *testing.T) {
	ctx := context.Background()
	inactive := authority("b-inactive", domain.CategoryWater)
	inactive.Active = false
	store := NewMemoryStore(
		authority("c-water", domain.CategoryWater),
		authority("a-water", domain.CategoryWater, domain.CategorySanitation),
		authority("power", domain.CategoryElectricity),
		inactive,
	)
	d := New(store, Options{})

	got, err := d.FindByCategory(ctx, domain.CategoryWater)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a-water", got[0].ID)
	assert.Equal(t, "c-water", got[1].ID)

	none, err := d.FindByCategory(ctx, domain.CategoryHealth)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestFilterByJurisdiction(t *testing.T) {
	near := authority("dehradun")
	near.Jurisdiction = domain.Jurisdiction{Center: domain.GeoPoint{Lat: 30.3165, Lng: 78.0322}, RadiusKm: 10}
	far := authority("haridwar")
	far.Jurisdiction = domain.Jurisdiction{Center: domain.GeoPoint{Lat: 29.9457, Lng: 78.1642}, RadiusKm: 10}
	state := authority("state")

	got := FilterByJurisdiction([]domain.Authority{near, far, state}, domain.GeoPoint{Lat: 30.32, Lng: 78.04})
	ids := []string{}
	for _, a := range got {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"dehradun", "state"}, ids)
}

func TestIncrementWorkloadUnknown(t *testing.T) {
	d := New(NewMemoryStore(), Options{})
	_, err := d.IncrementWorkload(context.Background(), "ghost", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIncrementWorkloadClampsAtZero(t *testing.T) {
	ctx := context.Background()
	d := New(NewMemoryStore(authority("roads")), Options{})
	a, err := d.IncrementWorkload(ctx, "roads", -1)
	require.NoError(t, err)
	assert.Equal(t, 0, a.Workload)
}

func TestIncrementWorkloadConcurrent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(authority("roads"))
	d := New(store, Options{})
	const n, m = 200, 60

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.IncrementWorkload(ctx, "roads", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.IncrementWorkload(ctx, "roads", -1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	a, err := store.Get(ctx, "roads")
	require.NoError(t, err)
	assert.Equal(t, n-m, a.Workload)
}

// flakyStore loses the first few compare-and-set races, as if another
// process wrote in between.
type flakyStore struct {
	*MemoryStore
	failures int
	calls    int
}

func (f *flakyStore) CompareAndSetWorkload(ctx context.Context, id string, version int64, workload int) (bool, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return false, nil
	}
	return f.MemoryStore.CompareAndSetWorkload(ctx, id, version, workload)
}

func TestIncrementWorkloadRetriesThenConflicts(t *testing.T) {
	ctx := context.Background()

	store := &flakyStore{MemoryStore: NewMemoryStore(authority("roads")), failures: 2}
	d := New(store, Options{MaxRetries: 3})
	a, err := d.IncrementWorkload(ctx, "roads", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Workload)
	assert.Equal(t, 3, store.calls)

	store = &flakyStore{MemoryStore: NewMemoryStore(authority("roads")), failures: 5}
	d = New(store, Options{MaxRetries: 3})
	_, err = d.IncrementWorkload(ctx, "roads", 1)
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.Equal(t, 3, store.calls)
}

func TestAvailable(t *testing.T) {
	d := New(NewMemoryStore(), Options{})
	noon := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	a := authority("roads")
	assert.True(t, d.Available(a, noon))

	a.Workload = 45
	assert.False(t, d.Available(a, noon), "at 90% load")
	a.Workload = 44
	assert.True(t, d.Available(a, noon))

	a.MaxCapacity = 0
	assert.False(t, d.Available(a, noon))

	b := authority("parks")
	b.Active = false
	assert.False(t, d.Available(b, noon))

	c := authority("office")
	c.Hours = domain.WorkingHours{Start: "09:00", End: "17:00"}
	assert.True(t, d.Available(c, noon))
	assert.False(t, d.Available(c, time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)))
}

func TestOpenUsesAuthorityTimezone(t *testing.T) {
	d := New(NewMemoryStore(), Options{})
	a := authority("delhi-office")
	a.Hours = domain.WorkingHours{Start: "09:00", End: "17:00"}
	a.Timezone = "Asia/Kolkata"

	// 05:00 UTC is 10:30 in India.
	assert.True(t, d.Open(a, time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)))
	// 14:00 UTC is 19:30 in India.
	assert.False(t, d.Open(a, time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)))
}

func TestOpenOvernightWindow(t *testing.T) {
	d := New(NewMemoryStore(), Options{})
	a := authority("night-patrol")
	a.Hours = domain.WorkingHours{Start: "22:00", End: "06:00"}

	assert.True(t, d.Open(a, time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)))
	assert.True(t, d.Open(a, time.Date(2026, 3, 2, 5, 59, 0, 0, time.UTC)))
	assert.False(t, d.Open(a, time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)))
	assert.False(t, d.Open(a, time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)))
}

func TestIsAvailableUnknown(t *testing.T) {
	d := New(NewMemoryStore(), Options{})
	_, err := d.IsAvailable(context.Background(), "ghost", time.Now())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPutPreservesWorkload(t *testing.T) {
	ctx := context.Background()
	d := New(NewMemoryStore(), Options{})

	a := authority("roads", domain.CategoryInfrastructure)
	a.Workload = 99
	created, err := d.Put(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 0, created.Workload)

	_, err = d.IncrementWorkload(ctx, "roads", 3)
	require.NoError(t, err)

	a.Name = "Roads Department"
	updated, err := d.Put(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "Roads Department", updated.Name)
	assert.Equal(t, 3, updated.Workload)

	_, err = d.Put(ctx, domain.Authority{ID: "x"})
	var ve domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestSupervisor(t *testing.T) {
	ctx := context.Background()
	boss := "state-water"
	ghost := "nobody"
	local := authority("city-water", domain.CategoryWater)
	local.SupervisorID = &boss
	orphan := authority("town-water", domain.CategoryWater)
	orphan.SupervisorID = &ghost
	d := New(NewMemoryStore(local, orphan, authority(boss, domain.CategoryWater)), Options{})

	sup, ok, err := d.Supervisor(ctx, "city-water")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, boss, sup.ID)

	_, ok, err = d.Supervisor(ctx, boss)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = d.Supervisor(ctx, "town-water")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = d.Supervisor(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWithStoreSharesLocks(t *testing.T) {
	d := New(NewMemoryStore(), Options{})
	other := d.WithStore(NewMemoryStore(authority("roads")))
	assert.Same(t, d.locks, other.locks)
	_, err := other.IncrementWorkload(context.Background(), "roads", 1)
	require.NoError(t, err)
	_, err = d.Get(context.Background(), "roads")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
