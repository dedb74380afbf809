// Package server exposes the status HTTP endpoints of a running chatsync
// process: health, component statistics, the room directory and history
// pages. It is an operator surface, not a chat API.
package server
