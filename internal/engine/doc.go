// Package engine manages sessions with the external calculation engine.
// A session is a native process speaking a framed JSON bridge protocol on its
// stdin and stdout. Sessions that time out or fail are never reused: the
// Manager discards them, reaps any stuck native processes by fingerprint, and
// acquires a fresh one.
package engine
