// Package rooms keeps the caller's room list in memory.
//
// The Directory loads the list from the REST API (or the demo store) at
// startup, reconciles it on an interval, and refreshes it whenever the router
// reports the "rooms" cache key stale. Concurrent refresh requests share one
// fetch.
package rooms
