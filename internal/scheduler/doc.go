// Package scheduler triggers periodic jobs on cron or interval schedules.
//
// Jobs run on the cron goroutine with their own timeout. A job whose previous
// run is still in flight is skipped rather than queued, so a slow dispatch
// cycle never stacks up behind itself. Panics are recovered and logged.
package scheduler
