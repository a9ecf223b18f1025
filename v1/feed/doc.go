// Package feed provides the change-notification channel between processes
// that share one document store. A store write publishes the namespace it
// touched; accessors subscribed to that namespace bump their cache epoch and
// re-read lazily. The feed is notification only: it never conveys lock
// ownership, and a lost event merely delays a cache refresh.
//
// Backends exist for memory, Redis pub/sub, NATS and Kafka.
package feed
