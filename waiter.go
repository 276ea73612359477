// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"time"

	"mellium.im/bosh/rid"
)

// waiter is a request that is being held open until there is something to
// send to the client or until its wait time elapses.
type waiter struct {
	rid     uint64
	resp    *rid.Response
	timer   *time.Timer
	created time.Time
}

// resolve answers the request and stops its timer.
// It reports whether this call resolved the request.
func (w *waiter) resolve(status int, data []byte) bool {
	if w.timer != nil {
		w.timer.Stop()
	}
	return w.resp.Resolve(status, data)
}

// waitQueue is the list of open requests of a session, oldest first.
type waitQueue struct {
	list []*waiter
}

func (q *waitQueue) Len() int {
	return len(q.list)
}

func (q *waitQueue) push(w *waiter) {
	q.list = append(q.list, w)
}

// pop removes and returns the oldest request or nil if there are none.
func (q *waitQueue) pop() *waiter {
	if len(q.list) == 0 {
		return nil
	}
	w := q.list[0]
	q.list[0] = nil
	q.list = q.list[1:]
	return w
}

// remove deletes w from the queue if it is present.
func (q *waitQueue) remove(w *waiter) bool {
	for i, other := range q.list {
		if other == w {
			q.list = append(q.list[:i], q.list[i+1:]...)
			return true
		}
	}
	return false
}
