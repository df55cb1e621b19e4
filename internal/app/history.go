package app

import (
	"context"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/petervdpas/rtcomm/internal/call"
	"github.com/petervdpas/rtcomm/internal/storage"
)

// HistoryQuery selects what PrintHistory shows.
type HistoryQuery struct {
	Peer  string // empty for all peers
	Limit int
	Stats bool
}

// PrintHistory writes the recorded calls in dataDir as a table, newest first.
func PrintHistory(ctx context.Context, w io.Writer, dataDir string, q HistoryQuery) error {
	db, err := storage.Open(dataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	var recs []call.Record
	if q.Peer != "" {
		recs, err = db.ByPeer(ctx, q.Peer, q.Limit)
	} else {
		recs, err = db.Recent(ctx, q.Limit)
	}
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tDIR\tTYPE\tPEER\tOUTCOME\tDURATION\tREASON")
	for _, r := range recs {
		peer := r.PeerID
		if r.PeerName != "" {
			peer = fmt.Sprintf("%s (%s)", r.PeerName, r.PeerID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.Direction, r.CallType, peer, r.Outcome,
			r.Duration().Round(time.Second), r.Reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if !q.Stats {
		return nil
	}
	stats, err := db.Stats(ctx)
	if err != nil {
		return err
	}
	outcomes := make([]string, 0, len(stats))
	for o := range stats {
		outcomes = append(outcomes, string(o))
	}
	slices.Sort(outcomes)
	fmt.Fprintln(w)
	for _, o := range outcomes {
		fmt.Fprintf(w, "%s: %d\n", o, stats[call.Outcome(o)])
	}
	return nil
}
