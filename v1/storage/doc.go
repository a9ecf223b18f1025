// Package storage exposes the namespaced accessor over a shared document
// store. Each accessor owns one namespace of the document and serializes its
// own read-modify-write sequences through a FIFO lock queue; independent
// accessors over distinct namespaces never block each other logically, even
// though they physically share one document.
package storage
