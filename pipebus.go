// Package pipebus carries framed binary messages between local processes
// over named pipes. Clients rendezvous with the broker on the Common
// Access Pipe, then exchange data messages over per-client FIFO pairs
// routed by group subscriptions.
//
// See the client and server packages for the two roles, and proto for the
// wire format.
package pipebus

// Library version.
const (
	Version      = "0.1.0"
	VersionMajor = 0
	VersionMinor = 1
)
