// Package notifier delivers operator alerts.
//
// Alerts are small, high-signal messages: a subject and a body. Notify queues
// an alert and returns immediately; a worker delivers it to every configured
// Sink under a token-bucket rate limit with bounded retry per sink. Identical
// alerts inside the dedup window are suppressed, and the suppression state is
// kept in storage so it survives a restart.
//
// NotifyNow bypasses the queue and delivers synchronously. It is used for the
// one alert that must go out right before the process exits.
//
// With no sinks configured every call is a no-op.
package notifier
