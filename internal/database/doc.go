// Package database provides PostgreSQL connection pool management for the
// optional message archive.
package database
