// Package session is the entry point UI layers talk to.
//
// A Facade owns one broker (real or simulated, chosen at startup), routes its
// output through a router, tracks the credential and the set of open rooms,
// and keeps a merged history timeline per open room. Connection state is an
// explicit snapshot with change observers instead of flags recomputed by
// callers.
package session
