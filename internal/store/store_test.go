package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir(), 16)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("missing")
	assert.Equal(t, ErrKeyNotFound, err)

	require.NoError(t, s.Put("records/a/1", []byte(`{"x":1}`)))
	v, err := s.Get("records/a/1")
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(v))

	require.NoError(t, s.Delete("records/a/1"))
	_, err = s.Get("records/a/1")
	assert.Equal(t, ErrKeyNotFound, err)

	require.NoError(t, s.Delete("records/a/1")) // delete of missing key is not an error
}

func TestGetMulti_SkipsMissing(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("a", []byte("1")))
	require.NoError(t, s.Put("b", []byte("2")))

	out, err := s.GetMulti([]string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, "1", string(out["a"]))
}

func TestHashPutGetAllDelete(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.HashPut("indexes", "tickets", []byte(`{"id":"tickets"}`)))
	require.NoError(t, s.HashPut("indexes", "users", []byte(`{"id":"users"}`)))

	all, err := s.HashGetAll("indexes")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.HashDelete("indexes", "users"))
	all, err = s.HashGetAll("indexes")
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, "tickets")
}

func TestHashEachPage_CoversAllEntries(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.HashPut("ids", string(rune('a'+i)), []byte("1")))
	}

	seen := make(map[string]bool)
	err := s.HashEachPage("ids", 3, func(p Page) bool {
		for k := range p.Items {
			seen[k] = true
		}
		return true
	})
	require.NoError(t, err)
	assert.Len(t, seen, 10)
}

func TestLockUnlock_SerializesAccess(t *testing.T) {
	s := newTestStore(t)

	var mu sync.Mutex
	order := make([]int, 0, 2)

	s.Lock("rec-1")
	done := make(chan struct{})
	go func() {
		s.Lock("rec-1")
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		s.Unlock("rec-1")
		close(done)
	}()

	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	s.Unlock("rec-1")
	<-done

	assert.Equal(t, []int{1, 2}, order)
}

func TestEnqueue_RunsFIFO(t *testing.T) {
	s := newTestStore(t)

	var mu sync.Mutex
	var out []int
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 1; i <= 3; i++ {
		i := i
		s.Enqueue("t", func() {
			defer wg.Done()
			mu.Lock()
			out = append(out, i)
			mu.Unlock()
		})
	}
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3}, out)
}
