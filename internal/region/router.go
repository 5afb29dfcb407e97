package region

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/regionsync/internal/objstore"
)

// Router delivers object-store notifications to the queue of the region the
// bucket lives in, the way bucket notifications target a regional queue.
type Router struct {
	mu      sync.RWMutex
	targets map[string]objstore.Notifier
	logger  zerolog.Logger
}

var _ objstore.Notifier = (*Router)(nil)

// NewRouter creates an empty router.
func NewRouter(logger zerolog.Logger) *Router {
	return &Router{
		targets: make(map[string]objstore.Notifier),
		logger:  logger.With().Str("component", "notification-router").Logger(),
	}
}

// Add routes notifications of region to target.
func (r *Router) Add(region string, target objstore.Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[region] = target
}

// Notify splits a batch by record region and forwards each part.
func (r *Router) Notify(ctx context.Context, n objstore.Notification) {
	if n.Event != "" {
		r.logger.Debug().Str("event", n.Event).Str("bucket", n.Bucket).Msg("dropping record-less notification")
		return
	}

	byRegion := make(map[string][]objstore.EventRecord)
	var order []string
	for _, rec := range n.Records {
		if _, ok := byRegion[rec.AwsRegion]; !ok {
			order = append(order, rec.AwsRegion)
		}
		byRegion[rec.AwsRegion] = append(byRegion[rec.AwsRegion], rec)
	}

	for _, region := range order {
		r.mu.RLock()
		target, ok := r.targets[region]
		r.mu.RUnlock()
		if !ok {
			r.logger.Warn().Str("region", region).Int("records", len(byRegion[region])).Msg("no queue for region, dropping notification")
			continue
		}
		target.Notify(ctx, objstore.Notification{Records: byRegion[region]})
	}
}
