// Package docstore defines the shared document capability consumed by the
// storage accessor: whole-document get, top-level patch set and per-namespace
// remove, with no transactions. Backends exist for memory, Redis and any
// GORM-supported database.
package docstore
