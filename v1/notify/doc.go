// Package notify implements the wake-up primitive behind lockqueue. Every
// pending ticket gets its own completion channel instead of subscribing to a
// broadcast event stream, which keeps wake-ups targeted: closing a channel
// resumes exactly one waiter.
package notify
