package process

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/sentryd/internal/ring"
)

func TestSpawnSuccessfulExit(t *testing.T) {
	out := ring.New(1024)
	spec := Spec{Name: "echo-ok", Command: "echo", Args: []string{"hi"}}
	h, err := Spawn(context.Background(), spec, out, nil)
	require.NoError(t, err)
	require.Greater(t, h.PID(), 0)

	select {
	case res := <-h.Done():
		require.Equal(t, 0, res.ExitCode)
		require.False(t, res.Crashed)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit")
	}
	require.Equal(t, "hi\n", string(out.Snapshot()))
}

func TestSpawnNonZeroExit(t *testing.T) {
	spec := Spec{Name: "crasher", Command: "sh", Args: []string{"-c", "exit 7"}}
	h, err := Spawn(context.Background(), spec, nil, nil)
	require.NoError(t, err)

	res := <-h.Done()
	require.Equal(t, 7, res.ExitCode)
	require.True(t, res.Crashed)
}

func TestSpawnInvalidCommand(t *testing.T) {
	_, err := Spawn(context.Background(), Spec{Name: "bad", Command: "/no/such/binary-xyz"}, nil, nil)
	require.Error(t, err)
}

func TestSpawnEmptyCommandRejected(t *testing.T) {
	_, err := Spawn(context.Background(), Spec{Name: "empty"}, nil, nil)
	require.ErrorIs(t, err, errEmptyCommand)
}

func TestHandleSignalReachesProcessGroup(t *testing.T) {
	spec := Spec{Name: "sleeper", Command: "sleep", Args: []string{"100"}}
	h, err := Spawn(context.Background(), spec, nil, nil)
	require.NoError(t, err)

	h.MarkStopping()
	require.NoError(t, h.Signal(syscall.SIGTERM))

	select {
	case res := <-h.Done():
		require.True(t, res.Signaled)
		require.Equal(t, -2, res.ExitCode)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signaled exit")
	}
}

func TestMergeEnvOverridesInherited(t *testing.T) {
	merged := mergeEnv([]string{"PATH=/usr/bin", "HOME=/root"}, map[string]string{"HOME": "/custom"})
	seen := map[string]string{}
	for _, kv := range merged {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				seen[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	require.Equal(t, "/custom", seen["HOME"])
	require.Equal(t, "/usr/bin", seen["PATH"])
}
