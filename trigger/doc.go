// Package trigger decides when a thread is eligible to run.
//
// A [Trigger] is one of three arms. Cron fires on a schedule parsed with
// robfig/cron (5-field, 6-field with seconds, 7-field with a "*" year, or
// descriptors such as "@every 10s"). Account fires when a watched byte
// range of an account changes, including the first observation. Immediate
// fires once.
//
// The per-thread [Cursor] records what has already executed. [Advance]
// moves it only after a successful execution, so a failed attempt is
// retried against the same tick. Non-skippable schedules fire the oldest
// missed tick on each evaluation until caught up; skippable schedules fire
// only the most recent tick.
package trigger
