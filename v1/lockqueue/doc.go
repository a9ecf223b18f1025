// Package lockqueue provides an in-process FIFO ticket lock protected by a
// watchdog timer. It serializes read-modify-write sequences against a shared
// document store that only offers whole-document primitives, and guarantees
// forward progress even when a holder never releases.
package lockqueue
