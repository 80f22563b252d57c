package downloader

import (
	"context"
	"fmt"
	"time"

	"github.com/cavaliercoder/grab"

	"github.com/Azim-Kenzh/sentinel2-downloader/service/log"
)

// Progress is one status update of a running transfer
type Progress struct {
	BytesComplete  int64
	TotalBytes     int64   // -1 when the server declared no size
	Percent        float64 // -1 when TotalBytes is unknown
	Elapsed        time.Duration
	BytesPerSecond float64
}

// ProgressFunc receives progress updates, in non-decreasing BytesComplete
// order, the last one at completion or failure
type ProgressFunc func(Progress)

func fmtBytes(bytes int64) string {
	v := float64(bytes)
	switch {
	case v > 1<<30:
		return fmt.Sprintf("%.2fGo", v/(1<<30))
	case v > 1<<20:
		return fmt.Sprintf("%.2fMo", v/(1<<20))
	case v > 1<<10:
		return fmt.Sprintf("%.2fko", v/(1<<10))
	default:
		return fmt.Sprintf("%.2fo", v)
	}
}

// monitorProgress delivers progress updates every interval and once at
// completion, logging every 5%. It blocks until the transfer is done.
func monitorProgress(ctx context.Context, resp *grab.Response, interval time.Duration, fn ProgressFunc) {
	t := time.NewTicker(interval)
	defer t.Stop()

	var lastBytes int64
	logProgress := 0.0
	for {
		select {
		case <-t.C:
			p := snapshot(resp, &lastBytes)
			if fn != nil {
				fn(p)
			}
			if resp.Progress() > logProgress {
				log.Logger(ctx).Sugar().Debugf("downloading: %.2f%% %s/%s (%s/s)", 100*resp.Progress(), fmtBytes(p.BytesComplete), fmtBytes(resp.Size), fmtBytes(int64(p.BytesPerSecond)))
				logProgress += 0.05
			}

		case <-resp.Done:
			if fn != nil {
				fn(snapshot(resp, &lastBytes))
			}
			return
		}
	}
}

// snapshot clamps BytesComplete to be non-decreasing across resumed attempts
func snapshot(resp *grab.Response, lastBytes *int64) Progress {
	bytes := resp.BytesComplete()
	if bytes < *lastBytes {
		bytes = *lastBytes
	}
	*lastBytes = bytes

	p := Progress{
		BytesComplete:  bytes,
		TotalBytes:     -1,
		Percent:        -1,
		Elapsed:        resp.Duration(),
		BytesPerSecond: resp.BytesPerSecond(),
	}
	if resp.Size > 0 {
		p.TotalBytes = resp.Size
		p.Percent = 100 * float64(bytes) / float64(resp.Size)
	}
	return p
}
