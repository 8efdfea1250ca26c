// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rcu provides a grace-period domain for read-mostly data structures.
//
// Readers enter the current epoch without blocking and leave it when they no
// longer hold references obtained inside it. Writers unlink objects first and
// then wait for a grace period, after which no reader that could have seen
// the unlinked objects is still running:
//
// Readers:
//
//	e := d.ReadLock()
//	// Traverse the published structure.
//	[...]
//	e.ReadUnlock()
//
// Writers:
//
//	// Unlink the object so new readers can't find it.
//	[...]
//	d.Call(func() { release(obj) })
//	d.Barrier()
package rcu

import (
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/sync"
)

const epochClosed = 1 << 31

// Epoch is a reader generation. Many readers may enter an epoch concurrently;
// once the epoch has been closed no reader can enter it anymore, and the
// closer is informed when all readers inside it have left.
type Epoch struct {
	userCount atomic.Uint32
	done      chan struct{}
}

// enter tries to enter the epoch. It succeeds unless the epoch has been
// closed, in which case the caller must retry on the current epoch.
func (e *Epoch) enter() bool {
	for {
		v := e.userCount.Load()
		if v&epochClosed != 0 {
			return false
		}
		if e.userCount.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// ReadUnlock leaves the epoch. It must be called exactly once for each
// successful ReadLock.
func (e *Epoch) ReadUnlock() {
	for {
		v := e.userCount.Load()
		if v&^epochClosed == 0 {
			panic("leaving an epoch with zero usage count")
		}
		if e.userCount.CompareAndSwap(v, v-1) {
			if v == epochClosed+1 {
				close(e.done)
			}
			return
		}
	}
}

// close prevents new readers from entering the epoch and waits until all
// readers inside it leave. Only one goroutine may close an epoch.
func (e *Epoch) close() {
	for {
		v := e.userCount.Load()
		if v&^epochClosed != 0 && e.done == nil {
			e.done = make(chan struct{})
		}
		if e.userCount.CompareAndSwap(v, v|epochClosed) {
			if v&^epochClosed != 0 {
				<-e.done
			}
			return
		}
	}
}

// Domain tracks readers of one data structure and defers release of unlinked
// objects until a grace period has elapsed.
//
// The zero value is ready to use.
type Domain struct {
	// cur is the epoch new readers enter. It is replaced, never mutated, by
	// Synchronize.
	cur atomic.Pointer[Epoch]

	// mu serializes writers and protects the fields below.
	mu sync.Mutex

	// pending holds callbacks waiting for the next grace period.
	pending []func()

	// generation counts completed grace periods.
	generation uint64
}

// current returns the epoch readers should enter, creating the first one
// lazily.
func (d *Domain) current() *Epoch {
	if e := d.cur.Load(); e != nil {
		return e
	}
	d.cur.CompareAndSwap(nil, &Epoch{})
	return d.cur.Load()
}

// ReadLock enters the current epoch. It never blocks.
func (d *Domain) ReadLock() *Epoch {
	for {
		if e := d.current(); e.enter() {
			return e
		}
	}
}

// Synchronize waits for a grace period: every reader that entered before the
// call has left when it returns. Readers that enter during the call are not
// waited for.
func (d *Domain) Synchronize() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.synchronizeLocked()
}

func (d *Domain) synchronizeLocked() {
	old := d.current()
	d.cur.Store(&Epoch{})
	old.close()
	d.generation++
}

// Call schedules fn to run after the next grace period. fn runs on the
// goroutine that calls Barrier.
func (d *Domain) Call(fn func()) {
	d.mu.Lock()
	d.pending = append(d.pending, fn)
	d.mu.Unlock()
}

// Barrier waits for a grace period and then runs every callback scheduled by
// Call before Barrier was called, in scheduling order.
func (d *Domain) Barrier() {
	d.mu.Lock()
	fns := d.pending
	d.pending = nil
	d.synchronizeLocked()
	d.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Pending returns the number of callbacks waiting for a grace period.
func (d *Domain) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Generation returns the number of grace periods that have completed.
func (d *Domain) Generation() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation
}
