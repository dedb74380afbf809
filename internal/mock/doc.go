// Package mock provides the demo-mode broker and backing data.
//
// Simulator implements broker.Broker entirely in memory: connects resolve
// after a fixed latency, and every sent message is answered by the other
// room participant after a random delay. Store holds the seeded rooms and
// messages and also serves history pages and the room list, so a demo
// process needs no chat server at all.
package mock
