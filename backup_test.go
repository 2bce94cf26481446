package memstore

import (
	"testing"
)

func newBackupEngine(t *testing.T) (*Engine, *BackupService) {
	t.Helper()
	b, err := NewBackupMemory(nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })

	e := NewEngine(EngineConfig{})
	if err := e.AddService(b, ServiceBackup, 2); err != nil {
		t.Fatal(err)
	}
	return e, b
}

func backupCall(t *testing.T, e *Engine, op Opcode, body []byte) Status {
	t.Helper()
	rpc := callSync(t, e, MakeRequest(ServiceBackup, op, body))
	return rpc.status(t)
}

func TestBackupHeartbeat(t *testing.T) {
	e, _ := newBackupEngine(t)
	defer e.Shutdown()

	if s := backupCall(t, e, OpBackupHeartbeat, nil); s != StatusOK {
		t.Errorf("heartbeat: status %v", s)
	}
}

func TestBackupWriteCommitFree(t *testing.T) {
	e, b := newBackupEngine(t)
	defer e.Shutdown()

	if s := backupCall(t, e, OpBackupWrite, EncodeBackupWrite(9, 0, []byte("frame-0"))); s != StatusOK {
		t.Fatalf("write: status %v", s)
	}
	if s := backupCall(t, e, OpBackupWrite, EncodeBackupWrite(9, 4096, []byte("frame-1"))); s != StatusOK {
		t.Fatalf("write: status %v", s)
	}

	// Frames are buffered, not durable, until commit.
	if n, err := b.CommittedFrames(9); err != nil || n != 0 {
		t.Errorf("committed before commit = %d (err %v), want 0", n, err)
	}

	if s := backupCall(t, e, OpBackupCommit, EncodeSegment(9)); s != StatusOK {
		t.Fatalf("commit: status %v", s)
	}
	pollUntil(t, e, func() bool { return e.Idle() })
	if n, err := b.CommittedFrames(9); err != nil || n != 2 {
		t.Errorf("committed = %d (err %v), want 2", n, err)
	}

	if s := backupCall(t, e, OpBackupFree, EncodeSegment(9)); s != StatusOK {
		t.Fatalf("free: status %v", s)
	}
	if n, _ := b.CommittedFrames(9); n != 0 {
		t.Errorf("committed after free = %d, want 0", n)
	}
}

func TestBackupCommitUnknownSegment(t *testing.T) {
	e, _ := newBackupEngine(t)
	defer e.Shutdown()

	if s := backupCall(t, e, OpBackupCommit, EncodeSegment(404)); s != StatusBackupSegmentMissing {
		t.Errorf("commit unknown: status %v, want %v", s, StatusBackupSegmentMissing)
	}
}

func TestBackupRewriteReplacesFrame(t *testing.T) {
	e, b := newBackupEngine(t)
	defer e.Shutdown()

	backupCall(t, e, OpBackupWrite, EncodeBackupWrite(1, 0, []byte("old")))
	backupCall(t, e, OpBackupWrite, EncodeBackupWrite(1, 0, []byte("new")))
	if s := backupCall(t, e, OpBackupCommit, EncodeSegment(1)); s != StatusOK {
		t.Fatalf("commit: status %v", s)
	}
	pollUntil(t, e, func() bool { return e.Idle() })
	if n, err := b.CommittedFrames(1); err != nil || n != 1 {
		t.Errorf("committed = %d (err %v), want 1", n, err)
	}
}

func TestBackupMalformed(t *testing.T) {
	e, _ := newBackupEngine(t)
	defer e.Shutdown()

	if s := backupCall(t, e, OpBackupWrite, []byte{1, 2, 3}); s != StatusMalformedRPC {
		t.Errorf("short write: status %v", s)
	}
	if s := backupCall(t, e, OpBackupCommit, nil); s != StatusMalformedRPC {
		t.Errorf("short commit: status %v", s)
	}
	if s := backupCall(t, e, Opcode(0xfff0), nil); s != StatusMalformedRPC {
		t.Errorf("unknown op: status %v", s)
	}
}
