// Package app holds the clock-driven triggers: a scheduler that runs named
// jobs at fixed intervals, the count job that broadcasts the stored record
// count, and the leader-gated insert job.
package app
