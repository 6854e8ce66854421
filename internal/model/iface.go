package model

// SnapshotReader exposes the latest published snapshot.
type SnapshotReader interface {
	Snapshot() *Snapshot
}

// SnapshotSubscriber registers a consumer of published snapshots.
// The returned func unsubscribes.
type SnapshotSubscriber interface {
	Subscribe(fn func(*Snapshot)) (unsubscribe func())
}

// Controller is the command surface shared by the HTTP API and the socket RPC server.
type Controller interface {
	SnapshotReader
	SnapshotSubscriber
	ClearLogs()
	DismissHistoryError()
}
