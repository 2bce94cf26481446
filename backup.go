package memstore

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

// maxSegmentWriteBytes bounds the data carried by a single backup write.
const maxSegmentWriteBytes = 8 * 1024 * 1024

const backupSchema = `
CREATE TABLE IF NOT EXISTS segment_frames (
	segment_id INTEGER NOT NULL,
	offset     INTEGER NOT NULL,
	data       BLOB NOT NULL,
	committed  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (segment_id, offset)
);`

// BackupService persists master segment data to SQLite so a crashed master
// can be recovered. Ops: heartbeat (liveness), write (buffer a frame),
// commit (make a segment durable), free (discard a segment).
//
// Commit uses the two-phase reply: the status goes out as soon as the rows
// are marked, while the WAL checkpoint runs as post-processing on the
// worker.
type BackupService struct {
	mu  sync.Mutex
	db  *sql.DB
	log *zap.Logger
}

// OpenBackup opens (or creates) the backup database at
// {dataDir}/backup.sqlite3.
func OpenBackup(dataDir string, log *zap.Logger) (*BackupService, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dataDir, "backup.sqlite3"))
	if err != nil {
		return nil, fmt.Errorf("opening backup database: %w", err)
	}
	// WAL mode keeps writers from blocking the dispatcher-driven reads.
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	return newBackup(db, log)
}

// NewBackupMemory creates an in-memory BackupService for testing.
func NewBackupMemory(log *zap.Logger) (*BackupService, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory backup database: %w", err)
	}
	// Every pooled connection to ":memory:" is a distinct database; pin
	// the pool to one so all workers see the same store.
	db.SetMaxOpenConns(1)
	return newBackup(db, log)
}

func newBackup(db *sql.DB, log *zap.Logger) (*BackupService, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if _, err := db.Exec(backupSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing backup schema: %w", err)
	}
	return &BackupService{db: db, log: log}, nil
}

// Close releases the underlying database.
func (b *BackupService) Close() error {
	return b.db.Close()
}

func (b *BackupService) Handle(w *Worker, request []byte, reply *bytes.Buffer) {
	hdr, _ := decodeHeader(request)
	body := request[headerLen:]
	switch hdr.opcode {
	case OpBackupHeartbeat:
		writeStatus(reply, StatusOK)
	case OpBackupWrite:
		b.writeFrame(body, reply)
	case OpBackupCommit:
		b.commit(w, body, reply)
	case OpBackupFree:
		b.free(body, reply)
	default:
		writeStatus(reply, StatusMalformedRPC)
	}
}

// EncodeBackupWrite builds the body of a backup write request.
func EncodeBackupWrite(segment uint64, offset uint32, data []byte) []byte {
	body := make([]byte, 16+len(data))
	binary.LittleEndian.PutUint64(body[0:8], segment)
	binary.LittleEndian.PutUint32(body[8:12], offset)
	binary.LittleEndian.PutUint32(body[12:16], uint32(len(data)))
	copy(body[16:], data)
	return body
}

// EncodeSegment builds the body of a backup commit or free request.
func EncodeSegment(segment uint64) []byte {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint64(body, segment)
	return body
}

func (b *BackupService) writeFrame(body []byte, reply *bytes.Buffer) {
	if len(body) < 16 {
		writeStatus(reply, StatusMalformedRPC)
		return
	}
	segment := binary.LittleEndian.Uint64(body[0:8])
	offset := binary.LittleEndian.Uint32(body[8:12])
	length := binary.LittleEndian.Uint32(body[12:16])
	data := body[16:]
	if uint32(len(data)) != length || length > maxSegmentWriteBytes {
		writeStatus(reply, StatusMalformedRPC)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.db.Exec(`INSERT OR REPLACE INTO segment_frames
		(segment_id, offset, data, committed) VALUES (?, ?, ?, 0)`,
		int64(segment), int64(offset), data)
	if err != nil {
		b.log.Error("memstore: backup write failed",
			zap.Uint64("segment", segment), zap.Error(err))
		writeStatus(reply, StatusMalformedRPC)
		return
	}
	writeStatus(reply, StatusOK)
}

func (b *BackupService) commit(w *Worker, body []byte, reply *bytes.Buffer) {
	if len(body) < 8 {
		writeStatus(reply, StatusMalformedRPC)
		return
	}
	segment := binary.LittleEndian.Uint64(body[0:8])

	b.mu.Lock()
	res, err := b.db.Exec(`UPDATE segment_frames SET committed = 1
		WHERE segment_id = ?`, int64(segment))
	b.mu.Unlock()
	if err != nil {
		b.log.Error("memstore: backup commit failed",
			zap.Uint64("segment", segment), zap.Error(err))
		writeStatus(reply, StatusMalformedRPC)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeStatus(reply, StatusBackupSegmentMissing)
		return
	}

	writeStatus(reply, StatusOK)
	// The master can proceed as soon as the rows are marked; the
	// checkpoint below only shortens recovery and shouldn't sit on the
	// RPC's tail latency.
	w.SendReply()

	b.mu.Lock()
	_, _ = b.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
	b.mu.Unlock()
}

func (b *BackupService) free(body []byte, reply *bytes.Buffer) {
	if len(body) < 8 {
		writeStatus(reply, StatusMalformedRPC)
		return
	}
	segment := binary.LittleEndian.Uint64(body[0:8])

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.db.Exec(`DELETE FROM segment_frames WHERE segment_id = ?`,
		int64(segment)); err != nil {
		b.log.Error("memstore: backup free failed",
			zap.Uint64("segment", segment), zap.Error(err))
		writeStatus(reply, StatusMalformedRPC)
		return
	}
	writeStatus(reply, StatusOK)
}

// CommittedFrames returns how many committed frames a segment holds.
// Recovery-side helper, also used by tests.
func (b *BackupService) CommittedFrames(segment uint64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int
	err := b.db.QueryRow(`SELECT COUNT(*) FROM segment_frames
		WHERE segment_id = ? AND committed = 1`, int64(segment)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting committed frames: %w", err)
	}
	return n, nil
}
