package substrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/internal/errs"
)

func TestLocalPutIfAbsentIsCAS(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	res, err := l.PutIfAbsent(ctx, "users/_log/00000000000000000000.json", []byte("first"))
	require.NoError(t, err)
	require.Equal(t, Created, res)

	res, err = l.PutIfAbsent(ctx, "users/_log/00000000000000000000.json", []byte("second"))
	require.NoError(t, err)
	require.Equal(t, AlreadyExists, res)

	data, err := l.Get(ctx, "users/_log/00000000000000000000.json")
	require.NoError(t, err)
	require.Equal(t, "first", string(data), "a losing PutIfAbsent must never overwrite the winner's bytes")
}

func TestLocalGetMissingKeyIsNotFound(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	_, err = l.Get(context.Background(), "nope")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestLocalListReturnsOnlyMatchingPrefix(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, l.Put(ctx, "users/_log/00000000000000000000.json", []byte("a")))
	require.NoError(t, l.Put(ctx, "users/_log/00000000000000000001.json", []byte("b")))
	require.NoError(t, l.Put(ctx, "users/date=2024-01-01/part-0.dat", []byte("c")))
	require.NoError(t, l.Put(ctx, "sessions/_log/00000000000000000000.json", []byte("d")))

	keys, err := l.List(ctx, "users/_log/")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	for _, k := range keys {
		require.Contains(t, k, "users/_log/")
	}

	allUsers, err := l.List(ctx, "users/")
	require.NoError(t, err)
	require.Len(t, allUsers, 3)
}

func TestLocalListOnMissingPrefixReturnsEmpty(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	keys, err := l.List(context.Background(), "nothing/_log/")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestLocalDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, l.Put(ctx, "k", []byte("v")))
	require.NoError(t, l.Delete(ctx, "k"))
	require.NoError(t, l.Delete(ctx, "k"))

	_, err = l.Get(ctx, "k")
	require.True(t, errs.Is(err, errs.NotFound))
}
