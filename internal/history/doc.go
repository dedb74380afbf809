// Package history pages backward through a room's message history and merges
// those pages with live deliveries into one id-ordered timeline.
//
// Paging walks from the newest page toward older messages. The cursor passed
// to the server is the smallest id already loaded; the server answers with the
// page of messages immediately older than it. A page that does not move the
// cursor ends pagination, so a server that answers with the forward reading of
// the cursor cannot loop a caller forever.
package history
