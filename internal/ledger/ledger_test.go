package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/docgen/internal/models"
)

// runLedgerSuite exercises the Store contract through a Ledger.
func runLedgerSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("append then get round-trips", func(t *testing.T) {
		l := New(newStore(t))
		ctx := context.Background()

		v, err := l.Append(ctx, "sess1", "# Doc v1", models.ChangeInitialGeneration, "")
		require.NoError(t, err)
		assert.Equal(t, 1, v)

		got, err := l.Get(ctx, "sess1", v)
		require.NoError(t, err)
		assert.Equal(t, "# Doc v1", got.Content)
		assert.Equal(t, models.ChangeInitialGeneration, got.ChangeType)
		assert.Equal(t, 1, got.Version)
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("versions are gap-free per session", func(t *testing.T) {
		l := New(newStore(t))
		ctx := context.Background()

		for i := 1; i <= 3; i++ {
			v, err := l.Append(ctx, "a", "content", models.ChangeAIRefinement, "step")
			require.NoError(t, err)
			assert.Equal(t, i, v)
		}
		v, err := l.Append(ctx, "b", "other", models.ChangeInitialGeneration, "")
		require.NoError(t, err)
		assert.Equal(t, 1, v, "numbering is per session")

		list, err := l.List(ctx, "a")
		require.NoError(t, err)
		require.Len(t, list, 3)
		for i, v := range list {
			assert.Equal(t, i+1, v.Version)
		}
	})

	t.Run("latest", func(t *testing.T) {
		l := New(newStore(t))
		ctx := context.Background()

		got, err := l.Latest(ctx, "empty")
		require.NoError(t, err)
		assert.Nil(t, got)

		_, err = l.Append(ctx, "s", "A", models.ChangeInitialGeneration, "")
		require.NoError(t, err)
		_, err = l.Append(ctx, "s", "B", models.ChangeAIRefinement, "fix typo")
		require.NoError(t, err)

		got, err = l.Latest(ctx, "s")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 2, got.Version)
		assert.Equal(t, "B", got.Content)
		assert.Equal(t, "fix typo", got.ChangeDescription)
	})

	t.Run("missing version", func(t *testing.T) {
		l := New(newStore(t))
		ctx := context.Background()
		_, err := l.Append(ctx, "s", "A", models.ChangeInitialGeneration, "")
		require.NoError(t, err)

		for _, v := range []int{0, 2, 99} {
			_, err := l.Get(ctx, "s", v)
			assert.ErrorIs(t, err, models.ErrVersionNotFound)
		}
	})

	t.Run("concurrent appends never collide", func(t *testing.T) {
		l := New(newStore(t))
		ctx := context.Background()

		const n = 20
		var wg sync.WaitGroup
		got := make([]int, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				v, err := l.Append(ctx, "s", "c", models.ChangeAIRefinement, "")
				assert.NoError(t, err)
				got[i] = v
			}(i)
		}
		wg.Wait()

		sort.Ints(got)
		for i, v := range got {
			assert.Equal(t, i+1, v)
		}
	})
}

func TestLedger_Memory(t *testing.T) {
	runLedgerSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestAppend_Validation(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	_, err := l.Append(ctx, "", "x", models.ChangeInitialGeneration, "")
	assert.Error(t, err)

	_, err = l.Append(ctx, "s", "x", models.ChangeType("rewrite"), "")
	assert.Error(t, err)
}

func TestMemoryStore_SnapshotsAreCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	v := &models.Version{SessionID: "s", Content: "A", ChangeType: models.ChangeInitialGeneration}
	require.NoError(t, s.AppendVersion(ctx, v))

	v.Content = "mutated"
	got, err := s.GetVersion(ctx, "s", 1)
	require.NoError(t, err)
	assert.Equal(t, "A", got.Content)

	got.Content = "mutated again"
	again, err := s.GetVersion(ctx, "s", 1)
	require.NoError(t, err)
	assert.Equal(t, "A", again.Content)
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(DriverMemory)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = NewStore(DriverSQLite)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	mem := NewMemoryStore()
	s, err = NewStore(DriverSQLite, WithSQLStore(mem))
	require.NoError(t, err)
	assert.Same(t, mem, s)

	_, err = NewStore(DriverRedis)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewStore("etcd")
	assert.ErrorIs(t, err, ErrInvalidDriver)
}
