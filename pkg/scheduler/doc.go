// Package scheduler assigns admission priorities from the current focus
// context. Results are advisory: a stale priority only changes queue order,
// never whether a caller is admitted.
package scheduler
