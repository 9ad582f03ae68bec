// Package progress streams worker task events. Workers emit through a
// non-blocking Hub that batches events on a background goroutine and fans
// them out to sinks such as the structured log or the recent-task history
// served by the admin API.
package progress
