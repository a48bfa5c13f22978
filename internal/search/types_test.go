package search

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPayloadCount(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		payload string
		want    int
	}{
		{"array", `[{"a":1},{"a":2},{"a":3}]`, 3},
		{"empty array", `[]`, 0},
		{"object", `{"a":1}`, 1},
		{"scalar", `42`, 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, PayloadCount(json.RawMessage(tc.payload)))
		})
	}
}

func TestFailureErrorAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("exec: permission denied")
	f := NewFailure(FailureSpawnError, cause, "start %s", "worker.sh")
	require.Equal(t, "spawn_error: start worker.sh", f.Error())
	require.ErrorIs(t, f, cause)

	exit := &Failure{Kind: FailureWorkerExitError, Detail: "worker exited", ExitCode: 2, Stderr: "boom"}
	require.Contains(t, exit.Error(), "exit code 2")
	require.Contains(t, exit.Error(), "boom")
}

func TestOutcomeResult(t *testing.T) {
	t.Parallel()

	ok := Success("req-1", json.RawMessage(`{}`))
	require.True(t, ok.Succeeded())
	require.Equal(t, "success", ok.Result())

	failed := Failed("req-2", &Failure{Kind: FailureTimeout})
	require.False(t, failed.Succeeded())
	require.Equal(t, "timeout", failed.Result())
}
