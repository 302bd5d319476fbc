// Package storage persists forwarding tasks, per-destination settings and
// the seen set of polled sources.
//
// Drivers:
//   - "file": one JSON or YAML document, hot-reloaded when edited, plus a
//     journal for the seen set
//   - "sqlite": a SQLite database (modernc.org/sqlite, no cgo)
//   - "postgres": a shared PostgreSQL database, for several relays reading
//     one task set
//
// SQL schemas are versioned with golang-migrate and applied on open.
package storage
