// Package control holds the externally owned signals the governor reacts to:
// the global pause flag and the current focus domain.
package control
