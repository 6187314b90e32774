package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// ReplayLines feeds every line of r to h. Line i is stamped with
// startMs + i*interval, which only matters for lines without their own
// timestamp. Blank lines and lines starting with '#' are skipped and do not
// advance the stamp. Per-line handler errors are collected in the returned
// count of failures rather than stopping the replay.
func ReplayLines(ctx context.Context, r io.Reader, startMs int64, interval time.Duration, h LineHandler) (lines, failures int, err error) {
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		if err := ctx.Err(); err != nil {
			return lines, failures, err
		}
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		stamp := startMs + int64(lines)*interval.Milliseconds()
		lines++
		if err := h.HandleEventAt(line, stamp); err != nil {
			failures++
		}
	}
	if err := scan.Err(); err != nil {
		return lines, failures, fmt.Errorf("read replay input: %w", err)
	}
	return lines, failures, nil
}
