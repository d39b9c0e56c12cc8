// Package orchestrator runs a batch of requests as a sequence of lots, each
// in its own worker process. It writes a lot artifact, launches the worker,
// bounds it with a deadline, reads the result artifact back, and marks the
// lot lost when any of that fails. Lots never run in parallel.
package orchestrator
