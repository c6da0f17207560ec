// Command nexusctl exercises a nexus end-to-end against in-memory
// replicas: create, write, add a child with a live rebuild, and report
// stats. It is a runnable demonstration rather than a production control
// plane (the real control plane, per spec §1, is an external collaborator).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nexusd/nexus"
	"github.com/nexusd/nexus/backend/memdev"
	"github.com/nexusd/nexus/internal/bio"
	"github.com/nexusd/nexus/internal/blockdev"
	"github.com/nexusd/nexus/internal/logging"
)

func main() {
	var (
		sizeStr  = flag.String("size", "64M", "Size of each replica (e.g., 64M, 1G)")
		children = flag.Int("children", 3, "Number of replica children")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("invalid size %q: %v", *sizeStr, err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	registry := memdev.NewRegistry()
	blockLen := uint32(512)
	numBlocks := uint64(size) / uint64(blockLen)

	var uris []string
	for i := 0; i < *children; i++ {
		uri := fmt.Sprintf("mem://child-%d", i)
		registry.Register(uri, memdev.New(fmt.Sprintf("child-%d", i), numBlocks, blockLen))
		uris = append(uris, uri)
	}

	params := nexus.DefaultNexusParams("nexus0", registry, uris)
	params.BlockSize = blockLen
	params.Logger = logger

	n, err := nexus.New(params)
	if err != nil {
		logger.Error("failed to create nexus", "error", err)
		os.Exit(1)
	}
	logger.Info("nexus created", "name", n.Name(), "uuid", n.UUID(), "children", len(uris))

	fmt.Printf("Nexus created: %s (%s)\n", n.Name(), n.UUID())
	fmt.Printf("Size: %s across %d replicas\n", formatSize(size), *children)

	writeAndWait(n, logger)

	newChildURI := "mem://child-new"
	registry.Register(newChildURI, memdev.New("child-new", numBlocks, blockLen))
	if err := n.AddChild(newChildURI, true); err != nil {
		logger.Error("add child failed", "error", err)
	} else {
		fmt.Printf("Added child %s, rebuild started\n", newChildURI)
		pollRebuild(n, newChildURI, logger)
	}

	snap := n.Metrics().Snapshot()
	errs := snap.ReadErrors + snap.WriteErrors + snap.OtherErrors
	fmt.Printf("Reads: %d  Writes: %d  Errors: %d\n", snap.ReadOps, snap.WriteOps, errs)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	fmt.Println("Press Ctrl+C to shut down...")
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	os.Exit(0)
}

func writeAndWait(n *nexus.Nexus, logger *logging.Logger) {
	done := make(chan bio.Status, 1)
	buf := make([]byte, n.BlockSize())
	for i := range buf {
		buf[i] = 0xAB
	}
	n.SubmitIO(0, bio.Descriptor{
		Op:           blockdev.IoWrite,
		OffsetBlocks: 0,
		NumBlocks:    1,
		Bufs:         [][]byte{buf},
	}, func(status bio.Status) { done <- status })

	status := <-done
	logger.Info("write completed", "status", status)
	fmt.Printf("Initial write: %s\n", status)
}

func pollRebuild(n *nexus.Nexus, childURI string, logger *logging.Logger) {
	for {
		state, err := n.RebuildState(childURI)
		if err != nil {
			break
		}
		stats, _ := n.RebuildStats(childURI)
		fmt.Printf("  rebuild %s: %.1f%% (%d/%d blocks)\n", state, stats.ProgressPercent, stats.TransferredBlocks, stats.TotalBlocks)
		time.Sleep(50 * time.Millisecond)
	}
	logger.Info("rebuild finished", "child", childURI)
}

// parseSize parses a size string like "64M", "1G", "512K".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string.
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
