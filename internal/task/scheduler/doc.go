// Package scheduler runs named maintenance jobs on cron or interval
// schedules.
//
// Jobs run on the cron goroutine pool with panic recovery and overlap
// skipping; a job still running when its next trigger fires is skipped.
package scheduler
