// Package storage persists the small amount of state the poster owns:
//
//   - the append-only activity log (one record per scheduling or execution outcome)
//   - key/value markers such as the last content style used
//   - notifier dedup windows, so a restart does not resend the same alert
package storage
