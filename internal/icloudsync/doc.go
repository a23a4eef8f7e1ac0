// Package icloudsync implements the bidirectional synchronization engine
// between a local directory subtree and a remote personal cloud drive. It
// provides the in-memory tree models for local and remote state, the
// event-driven reconciliation loop, the background refresh that recovers
// changes made on other devices, and the action/retry model that wraps each
// remote mutation with enough context for bounded retry.
//
// The package treats the remote drive as an opaque collaborator (see
// RemoteDriveClient): credential handling, the wire protocol, and the raw
// filesystem watcher all live outside this package.
package icloudsync
