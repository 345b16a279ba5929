package root

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"dashobd/internal/models"
	"dashobd/internal/poller"
	"dashobd/pkg/log"

	"go.uber.org/zap"
)

type codeReader interface {
	ReadCodes() ([]models.TroubleCode, error)
}

// runHeadless prints the stored trouble codes, then one line per poll
// cycle until ctx is done.
func runHeadless(ctx context.Context, w io.Writer, scheduler *poller.Scheduler, codes codeReader, interval time.Duration) {
	printSummary(w, codes)

	scheduler.Subscribe(func(snap models.MetricsSnapshot) {
		fmt.Fprintln(w, formatSnapshot(snap))
	})
	if err := scheduler.Start(ctx, interval); err != nil {
		log.Error("failed to start poller", zap.Error(err))
		return
	}
	<-ctx.Done()
	scheduler.Stop()
}

func printSummary(w io.Writer, codes codeReader) {
	errorCodes, err := codes.ReadCodes()
	if err != nil {
		log.Error("failed to get error codes", zap.Error(err))
		fmt.Fprintf(w, "Could not read DTC error codes: %v\n", err)
		return
	}

	fmt.Fprintln(w, "Current DTC Error Codes:")
	if len(errorCodes) == 0 {
		fmt.Fprintln(w, "No error codes.")
		return
	}
	for _, code := range errorCodes {
		fmt.Fprintf(w, "- %s: %s\n", code.Code, code.Description)
	}
}

func formatSnapshot(snap models.MetricsSnapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "#%d %s", snap.Cycle, snap.Taken.Format("15:04:05"))
	for _, m := range models.TrackedMetrics {
		fmt.Fprintf(&sb, " %s=%s", m, snap.Readings.Get(m))
	}
	fmt.Fprintf(&sb, " fuel_consumed=%.2f%%", snap.FuelConsumed)
	return sb.String()
}
