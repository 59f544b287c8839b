// Package scheduler triggers reminder ticks on a cron or interval schedule.
//
// The scheduler only triggers; the reminder engine does the work. Overlapping
// runs are skipped, and a panicking tick is recovered and logged.
package scheduler
