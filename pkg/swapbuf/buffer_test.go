package swapbuf_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obsidianstack/relay/pkg/swapbuf"
)

// tags is a payload with a reference-typed field.
type tags struct {
	names []string
}

func (t tags) Clone() tags {
	return tags{names: append([]string(nil), t.names...)}
}

func readAll[T any](t *testing.T, b *swapbuf.SwapBuffer[T]) []swapbuf.Entry[T] {
	t.Helper()
	out, err := b.Read()
	require.NoError(t, err)
	return out
}

func TestSwapBuffer_ReadReturnsAllSavedEntries(t *testing.T) {
	b := swapbuf.New[string]()

	require.NoError(t, b.Save(swapbuf.NewEntry("key1", "value1"), swapbuf.NewEntry("key2", "value2")))
	require.NoError(t, b.Save(swapbuf.NewEntry("key3", "value3")))

	assert.ElementsMatch(t, []swapbuf.Entry[string]{
		{Key: "key1", Value: "value1"},
		{Key: "key2", Value: "value2"},
		{Key: "key3", Value: "value3"},
	}, readAll(t, b))

	assert.Empty(t, readAll(t, b), "second read without saves")
}

func TestSwapBuffer_OverwriteCollapses(t *testing.T) {
	b := swapbuf.New[string]()

	require.NoError(t, b.Save(swapbuf.NewEntry("k1", "a")))
	require.NoError(t, b.Save(swapbuf.NewEntry("k1", "b")))

	assert.Equal(t, []swapbuf.Entry[string]{{Key: "k1", Value: "b"}}, readAll(t, b))
}

func TestSwapBuffer_LaterEntryInBatchWins(t *testing.T) {
	b := swapbuf.New[int]()

	require.NoError(t, b.Save(
		swapbuf.NewEntry("k", 1),
		swapbuf.NewEntry("other", 7),
		swapbuf.NewEntry("k", 2),
	))

	assert.ElementsMatch(t, []swapbuf.Entry[int]{
		{Key: "k", Value: 2},
		{Key: "other", Value: 7},
	}, readAll(t, b))
}

func TestSwapBuffer_EmptySave(t *testing.T) {
	b := swapbuf.New[int]()

	require.NoError(t, b.Save())
	out := readAll(t, b)
	require.NotNil(t, out)
	assert.Empty(t, out)
}

func TestSwapBuffer_WindowsAreDisjoint(t *testing.T) {
	b := swapbuf.New[int]()

	require.NoError(t, b.Save(swapbuf.NewEntry("a", 1), swapbuf.NewEntry("b", 1)))
	first := readAll(t, b)

	require.NoError(t, b.Save(swapbuf.NewEntry("b", 2), swapbuf.NewEntry("c", 2)))
	second := readAll(t, b)

	third := readAll(t, b)

	assert.ElementsMatch(t, []swapbuf.Entry[int]{{Key: "a", Value: 1}, {Key: "b", Value: 1}}, first)
	assert.ElementsMatch(t, []swapbuf.Entry[int]{{Key: "b", Value: 2}, {Key: "c", Value: 2}}, second)
	assert.Empty(t, third)
}

func TestSwapBuffer_Pending(t *testing.T) {
	b := swapbuf.New[int]()
	require.NoError(t, b.Save(swapbuf.NewEntry("a", 1), swapbuf.NewEntry("a", 2), swapbuf.NewEntry("b", 3)))

	n, err := b.Pending()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	readAll(t, b)
	n, err = b.Pending()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSwapBuffer_WithCloner_NoAliasing(t *testing.T) {
	b := swapbuf.New(swapbuf.WithCloner[tags]())

	in := tags{names: []string{"x", "y"}}
	require.NoError(t, b.Save(swapbuf.NewEntry("k", in)))
	in.names[0] = "mutated"

	out := readAll(t, b)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"x", "y"}, out[0].Value.names)
}

func TestSwapBuffer_WithCloneNilKeepsDefault(t *testing.T) {
	b := swapbuf.New(swapbuf.WithClone[int](nil))

	require.NoError(t, b.Save(swapbuf.NewEntry("k", 5)))
	assert.Equal(t, []swapbuf.Entry[int]{{Key: "k", Value: 5}}, readAll(t, b))
}

func TestSwapBuffer_PanicPoisons(t *testing.T) {
	b := swapbuf.New(swapbuf.WithClone(func(v int) int {
		if v < 0 {
			panic("negative payload")
		}
		return v
	}))

	require.NoError(t, b.Save(swapbuf.NewEntry("ok", 1)))
	require.Panics(t, func() {
		_ = b.Save(swapbuf.NewEntry("bad", -1))
	})
	require.True(t, b.Poisoned())

	err := b.Save(swapbuf.NewEntry("after", 2))
	assert.ErrorIs(t, err, swapbuf.ErrPoisoned)

	out, err := b.Read()
	assert.ErrorIs(t, err, swapbuf.ErrPoisoned)
	assert.Nil(t, out)

	// The locks were released on the way out: a second Read also returns
	// instead of deadlocking.
	_, err = b.Read()
	assert.ErrorIs(t, err, swapbuf.ErrPoisoned)

	n, err := b.Pending()
	assert.ErrorIs(t, err, swapbuf.ErrPoisoned)
	assert.Zero(t, n)
}

func TestSwapBuffer_ConcurrentWriters(t *testing.T) {
	const writers, perWriter = 16, 200
	b := swapbuf.New[int]()

	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, b.Save(swapbuf.NewEntry(fmt.Sprintf("w%d-%d", w, i), i)))
			}
		}(w)
	}
	wg.Wait()

	out := readAll(t, b)
	require.Len(t, out, writers*perWriter)

	seen := make(map[string]bool, len(out))
	for _, e := range out {
		require.False(t, seen[e.Key], "duplicate key %q", e.Key)
		seen[e.Key] = true
	}
}

// Readers racing with writers must split the entries between them: the
// union of all reads holds every key exactly once.
func TestSwapBuffer_ConcurrentReadersNoLossNoDuplication(t *testing.T) {
	const writers, perWriter, readers = 8, 500, 4
	b := swapbuf.New[int]()

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	collect := func(entries []swapbuf.Entry[int]) {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range entries {
			seen[e.Key]++
		}
	}

	stop := make(chan struct{})
	var rg sync.WaitGroup
	rg.Add(readers)
	for r := 0; r < readers; r++ {
		go func() {
			defer rg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				out, err := b.Read()
				if !assert.NoError(t, err) {
					return
				}
				collect(out)
			}
		}()
	}

	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, b.Save(swapbuf.NewEntry(fmt.Sprintf("w%d-%d", w, i), i)))
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	rg.Wait()

	collect(readAll(t, b))

	require.Len(t, seen, writers*perWriter)
	for k, n := range seen {
		require.Equal(t, 1, n, "key %q returned %d times", k, n)
	}
}

// A batch saved in one call lands in a single read window.
func TestSwapBuffer_BatchNotSplitAcrossReads(t *testing.T) {
	const rounds, batch = 200, 50
	b := swapbuf.New[int]()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for r := 0; r < rounds; r++ {
			entries := make([]swapbuf.Entry[int], batch)
			for i := range entries {
				entries[i] = swapbuf.NewEntry(fmt.Sprintf("r%d-%d", r, i), r)
			}
			assert.NoError(t, b.Save(entries...))
		}
	}()

	check := func(out []swapbuf.Entry[int]) {
		perRound := make(map[int]int)
		for _, e := range out {
			perRound[e.Value]++
		}
		for r, n := range perRound {
			assert.Equal(t, batch, n, "round %d split across reads", r)
		}
	}

	for {
		select {
		case <-done:
			check(readAll(t, b))
			return
		default:
			check(readAll(t, b))
		}
	}
}
