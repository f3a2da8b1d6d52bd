// Package scheduler turns planned instants and cron specs into task engine
// enqueues. It is trigger-only: execution, timeouts and ordering belong to
// internal/task/engine.
package scheduler
