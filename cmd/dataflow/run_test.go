package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/dataflow-go/graph/store"
)

func TestOpenAndCloseStore(t *testing.T) {
	ctx := context.Background()

	t.Run("sqlite", func(t *testing.T) {
		st, err := openStore(StoreConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "run.db")})
		require.NoError(t, err)
		require.NotNil(t, st)
		require.NoError(t, st.SaveTransition(ctx, store.Record{Application: "run", ContainerID: 1, Seq: 1}))

		require.NoError(t, closeStore(st))
		err = st.SaveTransition(ctx, store.Record{Application: "run", ContainerID: 1, Seq: 2})
		assert.ErrorIs(t, err, store.ErrClosed)
	})

	t.Run("memory", func(t *testing.T) {
		st, err := openStore(StoreConfig{Driver: "memory"})
		require.NoError(t, err)
		assert.NoError(t, closeStore(st))
	})

	t.Run("none", func(t *testing.T) {
		st, err := openStore(StoreConfig{})
		require.NoError(t, err)
		assert.Nil(t, st)
		assert.NoError(t, closeStore(st))
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, err := openStore(StoreConfig{Driver: "postgres"})
		assert.ErrorContains(t, err, "unknown store driver")
	})
}
