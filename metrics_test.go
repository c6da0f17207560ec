package nexus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetricsSnapshotAggregatesReadsAndWrites(t *testing.T) {
	m := NewMetrics()
	m.RecordWrite(4096, 1000, true)
	m.RecordWrite(4096, 2000, false)
	m.RecordRead(512, 500, true)

	snap := m.Snapshot()
	require.Equal(t, uint64(2), snap.WriteOps)
	require.Equal(t, uint64(4096), snap.WriteBytes)
	require.Equal(t, uint64(1), snap.WriteErrors)
	require.Equal(t, uint64(1), snap.ReadOps)
	require.Equal(t, uint64(512), snap.ReadBytes)
	require.Equal(t, uint64(3), snap.TotalOps)
}

func TestMetricsSnapshotTracksPerChildCounters(t *testing.T) {
	m := NewMetrics()
	m.RecordChildSubmission("child-a", false)
	m.RecordChildSubmission("child-a", false)
	m.RecordChildSubmission("child-b", true)
	m.RecordChildCompletion("child-a", false)
	m.RecordChildCompletion("child-b", true)

	snap := m.Snapshot()
	require.Equal(t, uint64(2), snap.Children["child-a"].Submissions)
	require.Equal(t, uint64(1), snap.Children["child-a"].Completions)
	require.Equal(t, uint64(0), snap.Children["child-a"].Failures)

	require.Equal(t, uint64(1), snap.Children["child-b"].Submissions)
	require.Equal(t, uint64(1), snap.Children["child-b"].Completions)
	require.Equal(t, uint64(2), snap.Children["child-b"].Failures)

	require.Equal(t, uint64(1), snap.SubmissionFailures)
	require.Equal(t, uint64(1), snap.CompletionFailures)
}
