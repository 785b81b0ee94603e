// Package scheduler keeps one cron entry per active job and turns each fire into a
// task on the engine.
//
// The scheduler is trigger-only:
//   - parsing schedule strings (aliases or six-field cron)
//   - owning the job id -> cron entry registry
//   - dispatching tasks into the task engine; it never runs a job on the clock goroutine
//
// RunNow bypasses the registry and runs the job on the caller's goroutine.
package scheduler
