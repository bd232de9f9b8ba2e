// SPDX-FileCopyrightText: 2023 M. Shulhan <ms@kilabit.info>
// SPDX-License-Identifier: GPL-3.0-or-later

package auton

// JobStatus is the lifecycle stage of a Job. It only ever moves forward:
// new -> processing -> complete.
type JobStatus string

// List of Job status, see spec.md §3.
const (
	JobStatusNew        JobStatus = `new`
	JobStatusProcessing JobStatus = `processing`
	JobStatusComplete   JobStatus = `complete`
)

// canTransitionTo reports whether moving from cur to next respects the
// monotonic new -> processing -> complete ordering.
func (cur JobStatus) canTransitionTo(next JobStatus) bool {
	switch cur {
	case JobStatusNew:
		return next == JobStatusProcessing
	case JobStatusProcessing:
		return next == JobStatusComplete
	default:
		return false
	}
}
