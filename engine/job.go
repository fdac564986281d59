package engine

import (
	"net"
	"strconv"
)

// SyncJob is one file to copy from a source file-server to a target
// file-server. It is a value-typed snapshot: every field is a copy,
// never a pointer back to the SyncPair it was created from, so
// deactivating or removing the pair after a job is enqueued has no
// effect on a job already in flight.
type SyncJob struct {
	SourceHost string
	SourcePort int
	SourceDir  string

	TargetHost string
	TargetPort int
	TargetDir  string

	Filename string
}

// SourceAddr returns the "host:port" dial string for the source
// file-server.
func (j SyncJob) SourceAddr() string {
	return joinHostPort(j.SourceHost, j.SourcePort)
}

// TargetAddr returns the "host:port" dial string for the target
// file-server.
func (j SyncJob) TargetAddr() string {
	return joinHostPort(j.TargetHost, j.TargetPort)
}

// PairKey identifies the SyncPair this job was enumerated from. It is
// recomputed from the job's own copied fields, never stored as a
// pointer, matching the no-cyclic-references rule.
func (j SyncJob) PairKey() (host string, port int, dir string) {
	return j.SourceHost, j.SourcePort, j.SourceDir
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
