package ingest

import (
	"context"
	"time"

	"github.com/gorhill/cronexpr"
)

const refreshLockKey = "campuskb:ingest:refresh-lock"

// StartRefresh launches the periodic re-ingestion loop when a cron schedule
// is configured. Active URL sources whose last scrape is older than the
// configured minimum age are re-triggered. Returns false when disabled.
func (o *Orchestrator) StartRefresh(ctx context.Context) bool {
	if o.cfg.RefreshCron == "" {
		return false
	}
	expr, err := cronexpr.Parse(o.cfg.RefreshCron)
	if err != nil {
		o.logger.Printf("invalid refresh cron %q: %v", o.cfg.RefreshCron, err)
		return false
	}
	go o.refreshLoop(ctx, expr)
	return true
}

func (o *Orchestrator) refreshLoop(ctx context.Context, expr *cronexpr.Expression) {
	for {
		next := expr.Next(time.Now())
		if next.IsZero() {
			o.logger.Printf("refresh cron has no future occurrence, stopping")
			return
		}
		select {
		case <-time.After(time.Until(next)):
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		}
		o.refreshOnce(ctx)
	}
}

func (o *Orchestrator) refreshOnce(ctx context.Context) {
	// Only one instance runs a refresh sweep at a time.
	if o.redis != nil {
		ok, err := o.redis.SetNX(ctx, refreshLockKey, "1", time.Minute).Result()
		if err == nil && !ok {
			return
		}
	}
	cutoff := time.Now().Add(-o.cfg.RefreshMinAge)
	stale, err := o.store.ListActiveSourcesScrapedBefore(ctx, cutoff)
	if err != nil {
		o.logger.Printf("refresh: list stale sources: %v", err)
		return
	}
	if len(stale) == 0 {
		return
	}
	o.logger.Printf("refresh: re-triggering %d stale source(s)", len(stale))
	for _, src := range stale {
		if err := o.Trigger(ctx, src.ID, src.OwnerID); err != nil {
			o.logger.Printf("refresh: trigger %s: %v", src.ID, err)
		}
	}
}
