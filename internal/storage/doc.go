// Package storage holds the durable records the presence and delivery core
// reads and writes: users and their online status, chat messages, and
// notification records.
//
// Two drivers exist:
//   - "memory": mutex-guarded maps, for development and tests
//   - "sqlite": a single SQLite file (modernc.org/sqlite, no cgo)
package storage
