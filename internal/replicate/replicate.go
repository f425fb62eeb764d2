// Package replicate drives server-to-server replication of every database
// from a source endpoint to a target endpoint.
package replicate

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/kvolkov/couchpack/internal/couch"
)

// MismatchError reports a post-replication document count divergence.
type MismatchError struct {
	DB          string
	SourceCount int64
	TargetCount int64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("replication mismatch for %s: source has %d documents, target has %d", e.DB, e.SourceCount, e.TargetCount)
}

// Options control the progress display; modes mirror the CLI flag:
// auto|bar|plain|none.
type Options struct {
	Progress string
	Verbose  bool
}

// Run replicates every database visible on source onto target, in listing
// order, one at a time. The one-shot replication job is always triggered on
// whichever endpoint is loopback, so the remote peer never needs inbound
// connectivity to this process. After each database the security object is
// copied verbatim and document counts are verified.
func Run(ctx context.Context, sourceURL, targetURL string, opts Options) error {
	src := couch.New(sourceURL)
	tgt := couch.New(targetURL)

	// The ephemeral instance is on loopback; the remote peer is not.
	trigger := tgt
	if src.IsLocal() {
		trigger = src
	}

	dbs, err := src.AllDBs(ctx)
	if err != nil {
		return err
	}
	slog.Info("replicating databases", "count", len(dbs), "trigger", trigger.IsLocal())

	showBar := opts.Progress == "bar" || (opts.Progress == "auto" && opts.Verbose)
	var p *mpb.Progress
	var bar *mpb.Bar
	if showBar {
		p = mpb.New(mpb.WithWidth(40), mpb.WithRefreshRate(100*time.Millisecond))
		bar = p.New(int64(len(dbs)), mpb.BarStyle().Rbound("|").Lbound("|"),
			mpb.PrependDecorators(decor.Name("databases ", decor.WC{C: decor.DSyncWidth}), decor.Percentage()),
			mpb.AppendDecorators(decor.CountersNoUnit("%d / %d")))
	}

	for _, db := range dbs {
		if err := replicateOne(ctx, src, tgt, trigger, db); err != nil {
			if bar != nil {
				bar.Abort(false)
				p.Wait()
			}
			return err
		}
		if bar != nil {
			bar.Increment()
		} else if opts.Progress == "plain" {
			fmt.Printf("replicated %s\n", db)
		}
	}
	if p != nil {
		p.Wait()
	}
	return nil
}

func replicateOne(ctx context.Context, src, tgt, trigger *couch.Client, db string) error {
	slog.Info("replicating", "db", db)

	if err := tgt.CreateDB(ctx, db); err != nil {
		return err
	}

	esc := url.PathEscape(db)
	if err := trigger.Replicate(ctx, src.Base()+"/"+esc, tgt.Base()+"/"+esc); err != nil {
		return fmt.Errorf("database %s: %w", db, err)
	}

	sec, err := src.Security(ctx, db)
	if err != nil {
		return err
	}
	if err := tgt.SetSecurity(ctx, db, sec); err != nil {
		return err
	}

	srcCount, err := src.DocCount(ctx, db)
	if err != nil {
		return err
	}
	tgtCount, err := tgt.DocCount(ctx, db)
	if err != nil {
		return err
	}
	if srcCount != tgtCount {
		return &MismatchError{DB: db, SourceCount: srcCount, TargetCount: tgtCount}
	}
	slog.Debug("verified", "db", db, "docs", srcCount)
	return nil
}
