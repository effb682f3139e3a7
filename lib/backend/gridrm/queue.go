// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gridrm

import (
	"context"
	"sync"
	"time"
)

// queue caches the output of the status command, so polling many
// sub-jobs does not run the command once per sub-job.
type queue struct {
	cli    *cli
	args   []string
	period time.Duration

	mtx     sync.Mutex
	latest  map[string]queueEntry
	updated time.Time
}

// Get returns a snapshot of the queue, keyed by job name, taken
// after notBefore. It runs the status command if the cached snapshot
// is too old, but not more often than once per period.
func (q *queue) Get(ctx context.Context, notBefore time.Time) (map[string]queueEntry, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.latest != nil && q.updated.After(notBefore) && time.Since(q.updated) < q.period {
		return q.latest, nil
	}
	if wait := q.period - time.Since(q.updated); q.latest != nil && wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	t0 := time.Now()
	ents, err := q.cli.Queue(ctx, q.args)
	if err != nil {
		q.cli.logger.Warnf("status command: %s", err)
		return nil, err
	}
	next := make(map[string]queueEntry, len(ents))
	for _, ent := range ents {
		next[ent.Name] = ent
	}
	q.latest, q.updated = next, t0
	return next, nil
}
