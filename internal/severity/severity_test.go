package severity_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgbackup/pgbackup/internal/severity"
)

func TestTracker_ExitCodeIsWorstSeen(t *testing.T) {
	var tr severity.Tracker

	require.Equal(t, 0, tr.ExitCode())

	tr.Record(severity.Error)
	require.Equal(t, 1, tr.ExitCode())

	tr.Record(severity.Fatal)
	require.Equal(t, 2, tr.ExitCode())

	tr.Record(severity.Error) // lower than current worst, no-op
	require.Equal(t, 2, tr.ExitCode())

	tr.Record(severity.Panic)
	require.Equal(t, 3, tr.ExitCode())
}

func TestLevel_String(t *testing.T) {
	require.Equal(t, "ERROR", severity.Error.String())
	require.Equal(t, "FATAL", severity.Fatal.String())
	require.Equal(t, "PANIC", severity.Panic.String())
	require.Equal(t, "NONE", severity.None.String())
}
