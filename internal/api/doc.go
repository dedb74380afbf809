// Package api provides the chat REST client.
//
// Endpoints:
//   - GET  /chats/rooms                                   room list
//   - POST /chats/rooms                                   create room
//   - GET  /chats/rooms/{roomId}/messages?lastMessageId&size  message history
//
// Every request carries the current bearer token from a TokenSource.
package api
