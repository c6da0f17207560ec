package rebuild

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexusd/nexus/backend/memdev"
	"github.com/nexusd/nexus/internal/channel"
	"github.com/nexusd/nexus/internal/segmap"
)

func TestFullRebuildCopiesEveryBlock(t *testing.T) {
	const numBlocks, blockLen = 16, 512
	src := memdev.New("src", numBlocks, blockLen)
	dst := memdev.New("dst", numBlocks, blockLen)

	srcDesc, err := src.Open(true)
	require.NoError(t, err)
	srcHandle, err := srcDesc.Handle()
	require.NoError(t, err)
	dstDesc, err := dst.Open(true)
	require.NoError(t, err)
	dstHandle, err := dstDesc.Handle()
	require.NoError(t, err)

	payload := make([]byte, blockLen)
	copy(payload, "hello-rebuild")
	require.NoError(t, blockingWritev(context.Background(), srcHandle, repeatBytes(payload, numBlocks), 0, numBlocks))

	job := New(Config{
		SourceURI: "src", DestURI: "dst",
		Source: srcHandle, Dest: dstHandle,
		Channel:     channel.New(),
		NumBlocks:   numBlocks,
		BlockLen:    blockLen,
		SegmentSize: 2 * blockLen,
		Tasks:       2,
	})

	require.Equal(t, Init, job.State())
	require.NoError(t, job.Start(context.Background()))
	require.Equal(t, Completed, job.State())

	stats := job.Stats()
	require.Zero(t, stats.RemainingBlocks)
	require.Equal(t, uint64(numBlocks), stats.TransferredBlocks)
	require.InDelta(t, 100.0, stats.ProgressPercent, 0.01)

	got := make([]byte, numBlocks*blockLen)
	require.NoError(t, blockingReadv(context.Background(), dstHandle, got, 0, numBlocks))
	require.Equal(t, repeatBytes(payload, numBlocks), got)
}

func TestPartialRebuildOnlyCopiesDirtySegments(t *testing.T) {
	const numBlocks, blockLen = 16, 512
	const segmentSize = 2 * blockLen // 2 blocks/segment, 8 segments total

	src := memdev.New("src", numBlocks, blockLen)
	dst := memdev.New("dst", numBlocks, blockLen)
	srcDesc, _ := src.Open(true)
	srcHandle, _ := srcDesc.Handle()
	dstDesc, _ := dst.Open(true)
	dstHandle, _ := dstDesc.Handle()

	dirty := segmap.New(numBlocks, blockLen, segmentSize)
	dirty.Set(0, 2, true) // only the first segment is dirty

	job := New(Config{
		SourceURI: "src", DestURI: "dst",
		Source: srcHandle, Dest: dstHandle,
		Channel:     channel.New(),
		NumBlocks:   numBlocks,
		BlockLen:    blockLen,
		SegmentSize: segmentSize,
		DirtyMap:    dirty,
		Tasks:       1,
	})

	require.True(t, job.Stats().Partial)
	require.Equal(t, uint64(2), job.Stats().TotalBlocks)

	require.NoError(t, job.Start(context.Background()))
	require.Equal(t, Completed, job.State())
	require.Equal(t, uint64(2), job.Stats().TransferredBlocks)
}

// TestPauseThenResumeCompletes drives a multi-segment rebuild with a single
// task slot and pauses it from the OnSegmentCopied hook right after the
// first segment lands, confirming the loop stops picking up new segments
// until Resume and that it still reaches Completed afterward.
func TestPauseThenResumeCompletes(t *testing.T) {
	const numBlocks, blockLen = 16, 512
	const segmentSize = 2 * blockLen // 8 segments

	src := memdev.New("src", numBlocks, blockLen)
	dst := memdev.New("dst", numBlocks, blockLen)
	srcDesc, _ := src.Open(true)
	srcHandle, _ := srcDesc.Handle()
	dstDesc, _ := dst.Open(true)
	dstHandle, _ := dstDesc.Handle()

	var job *Job
	pausedAt := make(chan uint64, 1)
	copiedCount := 0

	job = New(Config{
		SourceURI: "src", DestURI: "dst",
		Source: srcHandle, Dest: dstHandle,
		Channel:     channel.New(),
		NumBlocks:   numBlocks,
		BlockLen:    blockLen,
		SegmentSize: segmentSize,
		Tasks:       1,
		OnSegmentCopied: func(bytes uint64) {
			copiedCount++
			if copiedCount == 1 {
				require.NoError(t, job.Pause())
				pausedAt <- job.Stats().TransferredBlocks
			}
		},
	})

	done := make(chan error, 1)
	go func() { done <- job.Start(context.Background()) }()

	transferredWhenPaused := <-pausedAt
	require.Equal(t, uint64(2), transferredWhenPaused)

	// Give the loop a moment to (incorrectly, if there's a bug) keep
	// running; it must not make further progress while paused.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, Paused, job.State())
	require.Equal(t, transferredWhenPaused, job.Stats().TransferredBlocks)

	require.NoError(t, job.Resume())
	require.NoError(t, <-done)
	require.Equal(t, Completed, job.State())
	require.Equal(t, uint64(numBlocks), job.Stats().TransferredBlocks)
}

func TestPauseFailsWhenNotRunning(t *testing.T) {
	const numBlocks, blockLen = 4, 512
	src := memdev.New("src", numBlocks, blockLen)
	dst := memdev.New("dst", numBlocks, blockLen)
	srcDesc, _ := src.Open(true)
	srcHandle, _ := srcDesc.Handle()
	dstDesc, _ := dst.Open(true)
	dstHandle, _ := dstDesc.Handle()

	job := New(Config{
		SourceURI: "src", DestURI: "dst",
		Source: srcHandle, Dest: dstHandle,
		Channel:   channel.New(),
		NumBlocks: numBlocks,
		BlockLen:  blockLen,
	})

	require.Error(t, job.Pause()) // still Init
	require.Error(t, job.Resume())

	require.NoError(t, job.Start(context.Background()))
	require.Equal(t, Completed, job.State())
	require.Error(t, job.Pause()) // already terminal
}

// TestStopBeforeStartDoesNotPanic covers the race where RemoveChild can
// call Stop on a job whose Start goroutine has not run yet: the job's
// pause/cancel channels don't exist yet, and Stop must not assume they do.
func TestStopBeforeStartDoesNotPanic(t *testing.T) {
	const numBlocks, blockLen = 4, 512
	src := memdev.New("src", numBlocks, blockLen)
	dst := memdev.New("dst", numBlocks, blockLen)
	srcDesc, _ := src.Open(true)
	srcHandle, _ := srcDesc.Handle()
	dstDesc, _ := dst.Open(true)
	dstHandle, _ := dstDesc.Handle()

	job := New(Config{
		SourceURI: "src", DestURI: "dst",
		Source: srcHandle, Dest: dstHandle,
		Channel:   channel.New(),
		NumBlocks: numBlocks,
		BlockLen:  blockLen,
	})

	require.NoError(t, job.Stop())
	require.Equal(t, Stopped, job.State())

	err := job.Start(context.Background())
	require.Error(t, err)

	require.ErrorIs(t, job.Stop(), ErrAlreadyTerminal)
}

func TestStopDuringRunStopsJobAndSkipsRemainingSegments(t *testing.T) {
	const numBlocks, blockLen = 256, 512
	const segmentSize = 2 * blockLen // 128 segments, so Stop lands well before completion

	src := memdev.New("src", numBlocks, blockLen)
	dst := memdev.New("dst", numBlocks, blockLen)
	srcDesc, _ := src.Open(true)
	srcHandle, _ := srcDesc.Handle()
	dstDesc, _ := dst.Open(true)
	dstHandle, _ := dstDesc.Handle()

	var job *Job
	firstSegmentDone := make(chan struct{}, 1)
	job = New(Config{
		SourceURI: "src", DestURI: "dst",
		Source: srcHandle, Dest: dstHandle,
		Channel:     channel.New(),
		NumBlocks:   numBlocks,
		BlockLen:    blockLen,
		SegmentSize: segmentSize,
		Tasks:       1,
		OnSegmentCopied: func(uint64) {
			select {
			case firstSegmentDone <- struct{}{}:
			default:
			}
		},
	})

	done := make(chan error, 1)
	go func() { done <- job.Start(context.Background()) }()

	<-firstSegmentDone
	require.NoError(t, job.Stop())
	require.NoError(t, <-done)
	require.Equal(t, Stopped, job.State())
	require.Less(t, job.Stats().TransferredBlocks, uint64(numBlocks))
}

func repeatBytes(block []byte, n int) []byte {
	out := make([]byte, 0, len(block)*n)
	for i := 0; i < n; i++ {
		out = append(out, block...)
	}
	return out
}
