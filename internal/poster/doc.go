// Package poster is the job orchestrator.
//
// A day is planned by asking the planner for instants per channel and arming
// one trigger per instant. When a trigger fires, the job runs on the task
// engine lane of its channel and walks a fixed state machine:
//
//	Planned -> AuthChecking -> Skipped
//	                        -> Generating -> Failed
//	                                      -> Dispatching -> Posted | Failed
//
// Every job has one outer failure boundary. Nothing a job does can stop the
// scheduler or a sibling job; failures become activity records and alerts.
// The only error that leaves this package is ErrSchedulerFatal, returned by
// Start when the trigger loop cannot be armed.
package poster
