package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStore_NativeAndExotic(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	require.NoError(t, s.NativeWrite(ctx, []byte("id1"), []byte("data1"), 0))
	require.NoError(t, s.ExoticWrite(ctx, []byte("id2"), []byte("data2"), 0))
	require.NoError(t, s.NativeWrite(ctx, []byte("id3"), []byte("data3"), 1))

	recs := s.Records()
	require.Len(t, recs, 3)
	require.False(t, recs[0].Exotic)
	require.True(t, recs[1].Exotic)
	require.Equal(t, 2, s.CountEpoch(0))
	require.Equal(t, 1, s.CountEpoch(1))
}

func TestMemStore_CopiesInputBuffers(t *testing.T) {
	s := NewMemStore()
	id := []byte("mutate-me")
	require.NoError(t, s.NativeWrite(context.Background(), id, nil, 0))
	id[0] = 'X'
	require.Equal(t, byte('m'), s.Records()[0].ID[0])
}
