// Package session tracks the documents a front end has open.
//
// Each session wraps one document and is addressed by an opaque handle.
// Exactly one session is active at a time; closing the active session
// hands activation to the most recently focused remaining one.
package session
