// ABOUTME: Prewarm Controller: loads a published service's workbook ahead of traffic
// ABOUTME: Shares the executor's single-flight loader so duplicate prewarms never reload

package calc

import (
	"context"
)

// PrewarmResult reports what a prewarm did.
type PrewarmResult struct {
	ServiceID     string `json:"serviceId"`
	AlreadyCached bool   `json:"alreadyCached"`
	LoadMs        int64  `json:"loadMs"`
}

// Prewarm ensures a workbook handle for the service is in the in-process
// cache. With forceRefresh the handle is rebuilt even if one is cached.
func (e *Executor) Prewarm(ctx context.Context, serviceID string, forceRefresh bool) (*PrewarmResult, error) {
	pub, _, err := e.definition(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	if !forceRefresh {
		if h, ok := e.workbooks.Get(serviceID); ok && h.Version == pub.Version() {
			return &PrewarmResult{ServiceID: serviceID, AlreadyCached: true}, nil
		}
	}

	start := e.now()
	if _, err := e.load(ctx, pub, forceRefresh); err != nil {
		return nil, err
	}

	loadMs := e.since(start)
	e.logger.Info("workbook prewarmed", "service_id", serviceID, "force", forceRefresh, "load_ms", loadMs)
	return &PrewarmResult{ServiceID: serviceID, LoadMs: loadMs}, nil
}
