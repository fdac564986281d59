package engine_test

import (
	"testing"

	"github.com/relaylab/filesync/engine"
)

func TestSyncJobFields(t *testing.T) {
	job := engine.SyncJob{
		SourceHost: "127.0.0.1",
		SourcePort: 18001,
		SourceDir:  "/src",
		TargetHost: "127.0.0.1",
		TargetPort: 18002,
		TargetDir:  "/dst",
		Filename:   "a.txt",
	}

	if job.SourceDir != "/src" {
		t.Errorf("expected /src, got %s", job.SourceDir)
	}
	if job.Filename != "a.txt" {
		t.Errorf("expected a.txt, got %s", job.Filename)
	}
}

func TestSyncJobAddrs(t *testing.T) {
	job := engine.SyncJob{
		SourceHost: "127.0.0.1",
		SourcePort: 18001,
		TargetHost: "127.0.0.1",
		TargetPort: 18002,
	}

	if got := job.SourceAddr(); got != "127.0.0.1:18001" {
		t.Errorf("SourceAddr: expected 127.0.0.1:18001, got %s", got)
	}
	if got := job.TargetAddr(); got != "127.0.0.1:18002" {
		t.Errorf("TargetAddr: expected 127.0.0.1:18002, got %s", got)
	}
}

func TestSyncJobPairKeyIsValueCopy(t *testing.T) {
	job := engine.SyncJob{
		SourceHost: "127.0.0.1",
		SourcePort: 18001,
		SourceDir:  "/src",
	}

	host, port, dir := job.PairKey()
	if host != "127.0.0.1" || port != 18001 || dir != "/src" {
		t.Errorf("unexpected pair key: %s %d %s", host, port, dir)
	}

	// mutating the job after extracting its key must not affect the
	// already-extracted key, since SyncJob carries no pointer to
	// shared state.
	job.SourceDir = "/changed"
	if dir != "/src" {
		t.Errorf("pair key observed a mutation through a shared reference")
	}
}
