// Package waiters is the in-process table of callers waiting for an
// account to become ready. Each email has at most one waiter; a signal or a
// timeout removes it, and exactly one of them wins.
package waiters
