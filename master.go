package memstore

import (
	"bytes"
	"encoding/binary"
	"sync"
)

const (
	// tableNameLen is the fixed size of the name field in table ops.
	tableNameLen = 64

	// maxTables bounds how many tables one master holds.
	maxTables = 256

	// maxObjectBytes bounds the size of a single stored object.
	maxObjectBytes = 8 * 1024 * 1024
)

// table is one in-memory object table.
type table struct {
	name    string
	objects map[uint64][]byte

	// nextKey is the next auto-assigned key for inserts.
	nextKey uint64
}

// MasterService stores objects in memory, addressed by (table, key). It
// implements the table management and object ops: create/open/drop table,
// read, write, insert, delete.
//
// Handlers may run on several workers at once when the service is
// registered with maxConcurrent > 1, so the table structures are guarded by
// a mutex.
type MasterService struct {
	mu         sync.RWMutex
	tables     map[uint64]*table
	byName     map[string]uint64
	nextHandle uint64
}

// NewMasterService returns an empty master.
func NewMasterService() *MasterService {
	return &MasterService{
		tables:     make(map[uint64]*table),
		byName:     make(map[string]uint64),
		nextHandle: 1,
	}
}

func (m *MasterService) Handle(w *Worker, request []byte, reply *bytes.Buffer) {
	hdr, _ := decodeHeader(request)
	body := request[headerLen:]
	switch hdr.opcode {
	case OpCreateTable:
		m.createTable(body, reply)
	case OpOpenTable:
		m.openTable(body, reply)
	case OpDropTable:
		m.dropTable(body, reply)
	case OpRead:
		m.read(body, reply)
	case OpWrite:
		m.write(body, reply)
	case OpInsert:
		m.insert(body, reply)
	case OpDelete:
		m.delete(body, reply)
	default:
		writeStatus(reply, StatusMalformedRPC)
	}
}

// decodeTableName extracts the fixed-size, NUL-padded name field that
// leads every table-management body.
func decodeTableName(body []byte) (string, bool) {
	if len(body) < tableNameLen {
		return "", false
	}
	name := body[:tableNameLen]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name), true
}

// EncodeTableName builds the body of a create/open/drop table request.
func EncodeTableName(name string) []byte {
	body := make([]byte, tableNameLen)
	copy(body, name)
	return body
}

func (m *MasterService) createTable(body []byte, reply *bytes.Buffer) {
	name, ok := decodeTableName(body)
	if !ok {
		writeStatus(reply, StatusMalformedRPC)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[name]; exists {
		writeStatus(reply, StatusOK)
		return
	}
	if len(m.tables) >= maxTables {
		writeStatus(reply, StatusNoTableSpace)
		return
	}
	handle := m.nextHandle
	m.nextHandle++
	m.tables[handle] = &table{name: name, objects: make(map[uint64][]byte)}
	m.byName[name] = handle
	writeStatus(reply, StatusOK)
}

func (m *MasterService) openTable(body []byte, reply *bytes.Buffer) {
	name, ok := decodeTableName(body)
	if !ok {
		writeStatus(reply, StatusMalformedRPC)
		return
	}
	m.mu.RLock()
	handle, exists := m.byName[name]
	m.mu.RUnlock()
	if !exists {
		writeStatus(reply, StatusTableDoesntExist)
		return
	}
	writeStatus(reply, StatusOK)
	var h [8]byte
	binary.LittleEndian.PutUint64(h[:], handle)
	reply.Write(h[:])
}

func (m *MasterService) dropTable(body []byte, reply *bytes.Buffer) {
	name, ok := decodeTableName(body)
	if !ok {
		writeStatus(reply, StatusMalformedRPC)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	handle, exists := m.byName[name]
	if !exists {
		writeStatus(reply, StatusTableDoesntExist)
		return
	}
	delete(m.byName, name)
	delete(m.tables, handle)
	writeStatus(reply, StatusOK)
}

// decodeTableKey reads the fixed (table, key) portion of read and delete
// requests.
func decodeTableKey(body []byte) (tbl, key uint64, ok bool) {
	if len(body) < 16 {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint64(body[0:8]),
		binary.LittleEndian.Uint64(body[8:16]), true
}

// EncodeTableKey builds the body of a read or delete request.
func EncodeTableKey(tbl, key uint64) []byte {
	body := make([]byte, 16)
	binary.LittleEndian.PutUint64(body[0:8], tbl)
	binary.LittleEndian.PutUint64(body[8:16], key)
	return body
}

// EncodeWrite builds the body of a write request.
func EncodeWrite(tbl, key uint64, value []byte) []byte {
	body := make([]byte, 24+len(value))
	binary.LittleEndian.PutUint64(body[0:8], tbl)
	binary.LittleEndian.PutUint64(body[8:16], key)
	binary.LittleEndian.PutUint64(body[16:24], uint64(len(value)))
	copy(body[24:], value)
	return body
}

// EncodeInsert builds the body of an insert request.
func EncodeInsert(tbl uint64, value []byte) []byte {
	body := make([]byte, 16+len(value))
	binary.LittleEndian.PutUint64(body[0:8], tbl)
	binary.LittleEndian.PutUint64(body[8:16], uint64(len(value)))
	copy(body[16:], value)
	return body
}

func (m *MasterService) read(body []byte, reply *bytes.Buffer) {
	tbl, key, ok := decodeTableKey(body)
	if !ok {
		writeStatus(reply, StatusMalformedRPC)
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, exists := m.tables[tbl]
	if !exists {
		writeStatus(reply, StatusTableDoesntExist)
		return
	}
	value, exists := t.objects[key]
	if !exists {
		writeStatus(reply, StatusObjectDoesntExist)
		return
	}
	writeStatus(reply, StatusOK)
	var l [8]byte
	binary.LittleEndian.PutUint64(l[:], uint64(len(value)))
	reply.Write(l[:])
	reply.Write(value)
}

func (m *MasterService) write(body []byte, reply *bytes.Buffer) {
	if len(body) < 24 {
		writeStatus(reply, StatusMalformedRPC)
		return
	}
	tbl := binary.LittleEndian.Uint64(body[0:8])
	key := binary.LittleEndian.Uint64(body[8:16])
	length := binary.LittleEndian.Uint64(body[16:24])
	value := body[24:]
	if uint64(len(value)) != length || length > maxObjectBytes {
		writeStatus(reply, StatusMalformedRPC)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, exists := m.tables[tbl]
	if !exists {
		writeStatus(reply, StatusTableDoesntExist)
		return
	}
	t.objects[key] = append([]byte(nil), value...)
	if key >= t.nextKey {
		t.nextKey = key + 1
	}
	writeStatus(reply, StatusOK)
}

func (m *MasterService) insert(body []byte, reply *bytes.Buffer) {
	if len(body) < 16 {
		writeStatus(reply, StatusMalformedRPC)
		return
	}
	tbl := binary.LittleEndian.Uint64(body[0:8])
	length := binary.LittleEndian.Uint64(body[8:16])
	value := body[16:]
	if uint64(len(value)) != length || length > maxObjectBytes {
		writeStatus(reply, StatusMalformedRPC)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, exists := m.tables[tbl]
	if !exists {
		writeStatus(reply, StatusTableDoesntExist)
		return
	}
	key := t.nextKey
	t.nextKey++
	t.objects[key] = append([]byte(nil), value...)
	writeStatus(reply, StatusOK)
	var k [8]byte
	binary.LittleEndian.PutUint64(k[:], key)
	reply.Write(k[:])
}

func (m *MasterService) delete(body []byte, reply *bytes.Buffer) {
	tbl, key, ok := decodeTableKey(body)
	if !ok {
		writeStatus(reply, StatusMalformedRPC)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, exists := m.tables[tbl]
	if !exists {
		writeStatus(reply, StatusTableDoesntExist)
		return
	}
	if _, exists := t.objects[key]; !exists {
		writeStatus(reply, StatusObjectDoesntExist)
		return
	}
	delete(t.objects, key)
	writeStatus(reply, StatusOK)
}
