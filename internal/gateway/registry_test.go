package gateway

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/portway/internal/config"
)

func testRegistry() *PortRegistry {
	return NewPortRegistry(
		[]config.PortRange{
			{Start: 25000, End: 25004, Enabled: true},
			{Start: 25003, End: 25006, Enabled: true}, // overlaps; union applies
			{Start: 30000, End: 30010, Enabled: false},
		},
		[]config.SpecificPort{
			{Port: 27015, Enabled: true},
			{Port: 28000, Enabled: false},
		},
		[]int{25001}, // process-reserved
	)
}

func TestPortRegistry_Available(t *testing.T) {
	r := testRegistry()

	ports := make([]int, 0)
	for _, p := range r.Available() {
		ports = append(ports, p.Port)
	}

	// 25001 reserved, disabled specs excluded, overlap deduplicated.
	assert.Equal(t, []int{25000, 25002, 25003, 25004, 25005, 25006, 27015}, ports)
}

func TestPortRegistry_Available_KindAndSource(t *testing.T) {
	r := testRegistry()

	byPort := make(map[int]AvailablePort)
	for _, p := range r.Available() {
		byPort[p.Port] = p
	}

	assert.Equal(t, "singleton", byPort[27015].Kind)
	assert.Equal(t, "27015", byPort[27015].Source)
	assert.Equal(t, "range", byPort[25000].Kind)
	assert.Equal(t, "25000-25004", byPort[25000].Source)
}

func TestPortRegistry_Allocate_Preferred(t *testing.T) {
	r := testRegistry()

	port, err := r.Allocate(25004)
	require.NoError(t, err)
	assert.Equal(t, 25004, port)
	assert.True(t, r.Bound(25004))
}

func TestPortRegistry_Allocate_SmallestWhenNoPreference(t *testing.T) {
	r := testRegistry()

	port, err := r.Allocate(0)
	require.NoError(t, err)
	assert.Equal(t, 25000, port)

	port, err = r.Allocate(0)
	require.NoError(t, err)
	assert.Equal(t, 25002, port, "25001 is reserved")
}

func TestPortRegistry_Allocate_PreferredUnavailableFallsBack(t *testing.T) {
	r := testRegistry()

	first, err := r.Allocate(27015)
	require.NoError(t, err)
	require.Equal(t, 27015, first)

	// Preferred taken: fall back to the smallest available.
	port, err := r.Allocate(27015)
	require.NoError(t, err)
	assert.Equal(t, 25000, port)

	// Preferred outside every enabled spec: same fallback.
	port, err = r.Allocate(40000)
	require.NoError(t, err)
	assert.Equal(t, 25002, port)
}

func TestPortRegistry_Allocate_Exhaustion(t *testing.T) {
	r := NewPortRegistry(nil, []config.SpecificPort{{Port: 26000, Enabled: true}}, nil)

	port, err := r.Allocate(0)
	require.NoError(t, err)
	assert.Equal(t, 26000, port)

	_, err = r.Allocate(0)
	assert.ErrorIs(t, err, ErrNoPortAvailable)
}

func TestPortRegistry_ReleaseThenReallocate(t *testing.T) {
	r := testRegistry()

	p1, err := r.Allocate(25003)
	require.NoError(t, err)
	require.Equal(t, 25003, p1)

	r.Release(25003)
	r.Release(25003) // idempotent
	assert.False(t, r.Bound(25003))

	p2, err := r.Allocate(25003)
	require.NoError(t, err)
	assert.Equal(t, 25003, p2)
}

func TestPortRegistry_ConcurrentPreferred_OneWinner(t *testing.T) {
	r := testRegistry()

	const callers = 16
	var wg sync.WaitGroup
	results := make([]int, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			port, err := r.Allocate(27015)
			if err != nil {
				results[i] = -1
				return
			}
			results[i] = port
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, p := range results {
		if p == 27015 {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one caller gets the preferred port")
}

func TestPortRegistry_SetSpecs(t *testing.T) {
	r := NewPortRegistry(nil, []config.SpecificPort{{Port: 26000, Enabled: true}}, nil)

	port, err := r.Allocate(0)
	require.NoError(t, err)
	require.Equal(t, 26000, port)

	r.SetSpecs([]config.PortRange{{Start: 26100, End: 26101, Enabled: true}}, nil)

	// Bound port survives the spec edit.
	assert.True(t, r.Bound(26000))
	next, err := r.Allocate(0)
	require.NoError(t, err)
	assert.Equal(t, 26100, next)

	// Once released, the removed spec no longer covers it.
	r.Release(26000)
	_, err = r.Allocate(26000)
	require.NoError(t, err)
	assert.False(t, r.Bound(26000))
}
