package rebuild

import (
	"context"
	"fmt"

	"github.com/nexusd/nexus/internal/blockdev"
	"github.com/nexusd/nexus/internal/iostatus"
)

// blockingReadv and blockingWritev adapt the handle's submit/callback
// surface to a synchronous call for the rebuild copy loop, which has no
// logical-IO fan-out of its own to manage and just needs one child's
// result before moving to the next stage of the segment copy.
func blockingReadv(ctx context.Context, h blockdev.Handle, buf []byte, offsetBlocks, numBlocks uint64) error {
	return blockingCall(ctx, func(cb blockdev.CompletionCallback, arg interface{}) error {
		return h.ReadvBlocks([][]byte{buf}, offsetBlocks, numBlocks, cb, arg)
	})
}

func blockingWritev(ctx context.Context, h blockdev.Handle, buf []byte, offsetBlocks, numBlocks uint64) error {
	return blockingCall(ctx, func(cb blockdev.CompletionCallback, arg interface{}) error {
		return h.WritevBlocks([][]byte{buf}, offsetBlocks, numBlocks, cb, arg)
	})
}

func blockingCall(ctx context.Context, submit func(cb blockdev.CompletionCallback, arg interface{}) error) error {
	done := make(chan iostatus.Status, 1)
	cb := func(_ blockdev.Device, status iostatus.Status, _ interface{}) {
		done <- status
	}
	if err := submit(cb, nil); err != nil {
		return err
	}
	select {
	case status := <-done:
		if !status.IsSuccess() {
			return fmt.Errorf("completion status %s", status)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
