// SPDX-FileCopyrightText: 2023 M. Shulhan <ms@kilabit.info>
// SPDX-License-Identifier: GPL-3.0-or-later

package auton

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// timedRWLock is a readers/writer lock whose acquisition is bounded by a
// caller-supplied timeout instead of blocking indefinitely, as required
// by the JobRegistry (spec.md §3, §4.5: lock acquisitions fail with 503
// past lock_timeout). Built on a pair of weighted semaphores because
// neither sync.RWMutex nor sync.Mutex exposes a timed TryLock that also
// allows unlimited concurrent readers; golang.org/x/sync/semaphore's
// Acquire already accepts a context, which is exactly this shape.
type timedRWLock struct {
	writer *semaphore.Weighted
	reader *semaphore.Weighted
}

const maxRegistryReaders = 1 << 20

func newTimedRWLock() *timedRWLock {
	return &timedRWLock{
		writer: semaphore.NewWeighted(1),
		reader: semaphore.NewWeighted(maxRegistryReaders),
	}
}

// lockWrite acquires exclusive access, blocking up to timeout.
func (l *timedRWLock) lockWrite(timeout time.Duration) error {
	var ctx, cancel = context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := l.writer.Acquire(ctx, 1); err != nil {
		return &errLockTimeout
	}
	// Drain existing readers so the writer has exclusive access.
	if err := l.reader.Acquire(ctx, maxRegistryReaders); err != nil {
		l.writer.Release(1)
		return &errLockTimeout
	}
	return nil
}

func (l *timedRWLock) unlockWrite() {
	l.reader.Release(maxRegistryReaders)
	l.writer.Release(1)
}

// lockRead acquires shared access, blocking up to timeout.
func (l *timedRWLock) lockRead(timeout time.Duration) error {
	var ctx, cancel = context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := l.reader.Acquire(ctx, 1); err != nil {
		return &errLockTimeout
	}
	return nil
}

func (l *timedRWLock) unlockRead() {
	l.reader.Release(1)
}

// JobRegistry is the process-wide uid -> Job mapping, guarded by a
// bounded-timeout readers/writer lock (spec.md §3, §4.5).
type JobRegistry struct {
	mu          sync.Mutex // guards the map itself; held only briefly
	jobs        map[string]*Job
	lock        *timedRWLock
	lockTimeout time.Duration
}

// NewJobRegistry creates an empty registry. lockTimeout bounds every
// Insert/Take/Get acquisition; spec.md calls this lock_timeout.
func NewJobRegistry(lockTimeout time.Duration) *JobRegistry {
	return &JobRegistry{
		jobs:        make(map[string]*Job),
		lock:        newTimedRWLock(),
		lockTimeout: lockTimeout,
	}
}

// Insert adds job under a write lock, rejecting a uid already present.
func (r *JobRegistry) Insert(job *Job) error {
	if err := r.lock.lockWrite(r.lockTimeout); err != nil {
		return err
	}
	defer r.lock.unlockWrite()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.UID]; exists {
		return errUIDExists(job.UID)
	}
	r.jobs[job.UID] = job
	return nil
}

// Get looks up a Job under a read lock without removing it.
func (r *JobRegistry) Get(uid string) (*Job, error) {
	if err := r.lock.lockRead(r.lockTimeout); err != nil {
		return nil, err
	}
	defer r.lock.unlockRead()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[uid], nil
}

// Take performs the read of a Job's status and, iff it has reached
// JobStatusComplete, removes it from the registry in the same
// write-locked critical section. This is the atomic "take" operation
// called for by spec.md §9 in place of the source's unguarded
// read-then-delete, and it is what makes "status removes job on
// terminal observation" (spec.md §4.5) race-free: two concurrent status
// polls can never both observe-and-delete the same terminal Job.
func (r *JobRegistry) Take(uid string) (*Job, error) {
	if err := r.lock.lockWrite(r.lockTimeout); err != nil {
		return nil, err
	}
	defer r.lock.unlockWrite()

	r.mu.Lock()
	defer r.mu.Unlock()

	var job = r.jobs[uid]
	if job == nil {
		return nil, nil
	}
	if job.IsComplete() {
		delete(r.jobs, uid)
	}
	return job, nil
}
