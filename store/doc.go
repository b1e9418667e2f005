// Package store groups the state.Store backends:
//
//   - memory — in-memory maps, for unit tests and development
//   - redis — Redis blobs and indexes, for low-latency ephemeral state
//   - bun — PostgreSQL via the Bun ORM, for durable production state
//
// All backends satisfy state.Store and are interchangeable behind the
// state.Manager.
package store
