// Package downloader selects the download handler for a URL.
package downloader

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-archiver/internal/archive"
)

// Router holds the handler registry in priority order.
type Router struct {
	handlers []archive.Handler
	fallback archive.Handler
	logger   *zap.Logger
}

// NewRouter orders handlers by kind (tiled, gallery, general) keeping
// registration order within a kind. The first general handler becomes the
// universal fallback; without one the registry is unusable.
func NewRouter(logger *zap.Logger, handlers ...archive.Handler) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ordered := make([]archive.Handler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			ordered = append(ordered, h)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Kind() < ordered[j].Kind()
	})

	var fallback archive.Handler
	for _, h := range ordered {
		if h.Kind() == archive.KindGeneral {
			fallback = h
			break
		}
	}
	if fallback == nil {
		return nil, fmt.Errorf("router: %w", archive.ErrNoHandler)
	}
	return &Router{handlers: ordered, fallback: fallback, logger: logger}, nil
}

// Select returns the first handler whose predicate claims url, or the
// general-purpose fallback.
func (r *Router) Select(url string) archive.Handler {
	for _, h := range r.handlers {
		if h.Matches(url) {
			r.logger.Debug("handler selected", zap.String("url", url), zap.String("handler", h.Name()))
			return h
		}
	}
	r.logger.Debug("no handler matched, using fallback", zap.String("url", url), zap.String("handler", r.fallback.Name()))
	return r.fallback
}

// Names lists registered handlers in priority order.
func (r *Router) Names() []string {
	names := make([]string, len(r.handlers))
	for i, h := range r.handlers {
		names[i] = h.Name()
	}
	return names
}
