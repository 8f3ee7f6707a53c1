package epoch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLifecycle(t *testing.T) {
	c := New(Options{})
	require.Equal(t, Idle, c.Stage())

	require.NoError(t, c.PreStart(0))
	require.Equal(t, PreStart, c.Stage())

	require.NoError(t, c.Start(0))
	require.Equal(t, Started, c.Stage())
	require.NoError(t, c.CheckWrite())

	c.AddLocalSend()
	c.AddRemoteSend()
	c.AddLocalRecv()
	c.AddRemoteRecv()
	require.Equal(t, Counters{1, 1, 1, 1}, c.Snapshot())

	require.NoError(t, c.BeginEnd())
	require.Equal(t, Ending, c.Stage())
	require.Error(t, c.CheckWrite())

	require.NoError(t, c.Close())
	require.Equal(t, Closed, c.Stage())

	require.NoError(t, c.PreStart(1))
	require.NoError(t, c.Start(1))
	require.Equal(t, Counters{}, c.Snapshot(), "counters reset at Start")
}

func TestWriteOutsideStarted(t *testing.T) {
	c := New(Options{})
	err := c.CheckWrite()
	require.Error(t, err)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	require.Equal(t, Idle, stateErr.Stage)
}

func TestStartRejectsWrongEpoch(t *testing.T) {
	c := New(Options{})
	require.NoError(t, c.PreStart(5))
	require.Error(t, c.Start(6))
}

func TestBeginEndRejectsWrongStage(t *testing.T) {
	c := New(Options{})
	require.Error(t, c.BeginEnd())
	require.Error(t, c.Close())
}
