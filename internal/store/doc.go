// Package store defines the shared ordered store used to coordinate workers.
// Implementations live in subpackages; this package must not import database
// drivers or concrete clients.
package store
