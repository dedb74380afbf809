// Package model defines the chat wire types shared across the synchronization core.
//
// Conventions:
//   - IDs: int64, server-assigned, monotonic per message
//   - Timestamps: time.Time, ISO-8601 on the wire
//   - Ordering: by message ID, never by CreatedAt
package model
