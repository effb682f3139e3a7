// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package workerrole

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Queue is a FIFO message queue kept in a Store, one key per
// message. Keys sort in submission order, so the consumer can take
// the lowest key first.
//
// A Queue must have a single consumer: Pop is not atomic. The pilot
// gives each worker agent a queue of its own.
type Queue struct {
	store  Store
	prefix string

	mtx sync.Mutex
	seq int64
}

// NewQueue returns the queue of the given worker agent, whose
// messages are stored under "<app>/queue/<agent>/".
func NewQueue(store Store, app string, agent int) *Queue {
	return &Queue{store: store, prefix: fmt.Sprintf("%s/queue/%d/", app, agent)}
}

// Put appends a message.
func (q *Queue) Put(ctx context.Context, msg string) error {
	q.mtx.Lock()
	q.seq++
	key := fmt.Sprintf("%s%020d-%06d", q.prefix, time.Now().UnixNano(), q.seq%1000000)
	q.mtx.Unlock()
	return q.store.Put(ctx, key, []byte(msg))
}

// Pop removes and returns the oldest message. It returns false if
// the queue is empty.
func (q *Queue) Pop(ctx context.Context) (string, bool, error) {
	keys, err := q.store.List(ctx, q.prefix)
	if err != nil {
		return "", false, err
	}
	for _, key := range keys {
		buf, err := q.store.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			// Deleted by Release.
			continue
		} else if err != nil {
			return "", false, err
		}
		if err := q.store.Delete(ctx, key); err != nil {
			return "", false, err
		}
		return string(buf), true, nil
	}
	return "", false, nil
}

// Len returns the number of messages waiting.
func (q *Queue) Len(ctx context.Context) (int, error) {
	keys, err := q.store.List(ctx, q.prefix)
	return len(keys), err
}

// cancelMessage returns the message that asks a worker agent to
// stop the given sub-job.
func cancelMessage(subJobID string) string {
	return "CANCEL " + subJobID
}

// stopMessage asks a worker agent to exit.
const stopMessage = "STOP"

// parseMessage splits a message into a command ("RUN", "CANCEL",
// "STOP") and its argument. A bare sub-job id means RUN.
func parseMessage(msg string) (cmd, arg string) {
	if msg == stopMessage {
		return stopMessage, ""
	}
	if id, ok := strings.CutPrefix(msg, "CANCEL "); ok {
		return "CANCEL", id
	}
	return "RUN", msg
}
