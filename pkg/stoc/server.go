package stoc

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"sort"

	"github.com/novalsm/ccstoc/pkg/rlog"
	"github.com/novalsm/ccstoc/pkg/rtable"
	"github.com/novalsm/ccstoc/pkg/wire"
)

// CompactionExecutor runs one compaction plan to completion, standing
// in for pkg/compaction.Pool so this package doesn't need to import it
// (pkg/compaction already imports pkg/dispatcher; Server stays on the
// StoC side of that boundary).
type CompactionExecutor interface {
	Submit(ctx context.Context, req rtable.CompactionRequest) (rtable.CompactionRequest, error)
}

// Server answers the wire protocol's request tags against one Registry,
// the StoC-side counterpart to dispatcher.Worker: where a Worker drives
// the LTC's half of a queue pair, Server drives the StoC's half —
// reading frames off an accepted connection and writing back acks.
type Server struct {
	registry   *Registry
	compaction CompactionExecutor
	logFiles   map[string][]byte // in-memory log buffers, mirrored to Store
	logFileDB  map[string]string // log file name -> owning db, for QUERY_LOG_FILES recovery
}

// NewServer builds a Server over registry, replaying any log buffers the
// Store already holds from before a restart. compaction may be nil, in
// which case COMPACTION requests are rejected.
func NewServer(registry *Registry, compaction CompactionExecutor) *Server {
	s := &Server{
		registry:   registry,
		compaction: compaction,
		logFiles:   make(map[string][]byte),
		logFileDB:  make(map[string]string),
	}
	_ = registry.store.ForEachLogBuffer(func(logFile, dbName string, data []byte) error {
		s.logFiles[logFile] = data
		if dbName != "" {
			s.logFileDB[logFile] = dbName
		}
		return nil
	})
	return s
}

// Serve drives one accepted connection until it errors or closes,
// handling frames sequentially the way a single RDMA queue pair would
// be drained on the StoC side.
func (s *Server) Serve(conn net.Conn) {
	log := rlog.WithComponent("stoc-server")
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	defer conn.Close()

	for {
		f, err := wire.ReadFrame(r)
		if err != nil {
			return
		}

		resp := s.handle(f)
		if err := wire.WriteFrame(w, resp); err != nil {
			log.Warn().Err(err).Msg("write response failed")
			return
		}
		if err := w.Flush(); err != nil {
			log.Warn().Err(err).Msg("flush response failed")
			return
		}
	}
}

func (s *Server) handle(f wire.Frame) wire.Frame {
	switch f.Tag {
	case wire.TagAllocateSSTableBuffer:
		return s.handleAllocateSSTableBuffer(f)
	case wire.TagWriteDataBlocks:
		return s.handleWriteDataBlocks(f)
	case wire.TagPersistSSTableBuffer:
		return s.handlePersistSSTableBuffer(f)
	case wire.TagReadDataBlock:
		return s.handleReadDataBlock(f)
	case wire.TagDeleteTables:
		return s.handleDeleteTables(f)
	case wire.TagReplicateLogRecord:
		return s.handleReplicateLogRecord(f)
	case wire.TagCloseLogFile:
		return s.handleCloseLogFile(f)
	case wire.TagQueryLogFiles:
		return s.handleQueryLogFiles(f)
	case wire.TagReadLogFile:
		return s.handleReadInMemoryLogFile(f)
	case wire.TagFilenameRTableMapping:
		return s.handleFilenameRTableMapping(f)
	case wire.TagReadDCStats:
		return s.handleReadDCStats(f)
	case wire.TagCompactionRequest:
		return s.handleCompactionRequest(f)
	default:
		return wire.Frame{Tag: wire.TagAck, RequestID: f.RequestID}
	}
}

// handleAllocateSSTableBuffer is the ALLOC phase: reserve a new rtable
// region sized for the chunk about to be written, returning its id.
func (s *Server) handleAllocateSSTableBuffer(f wire.Frame) wire.Frame {
	dbName, rest, err := wire.GetString(f.Payload)
	if err != nil || len(rest) < 16 {
		return wire.Frame{Tag: wire.TagAllocFailed, RequestID: f.RequestID}
	}
	fileNumber := binary.LittleEndian.Uint64(rest[0:8])
	size := binary.LittleEndian.Uint64(rest[8:16])

	id := s.registry.Allocate(dbName, fileNumber, size)
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], id)
	return wire.Frame{Tag: wire.TagAck, RequestID: f.RequestID, Immediate: f.Immediate, Payload: payload[:]}
}

// handleWriteDataBlocks is the WRITE phase: append chunk to an already
// allocated rtable region. The bytes are locally readable immediately
// but not yet durable; only the trailing meta chunk's flow follows up
// with a PERSIST.
func (s *Server) handleWriteDataBlocks(f wire.Frame) wire.Frame {
	if len(f.Payload) < 4 {
		return wire.Frame{Tag: wire.TagAllocFailed, RequestID: f.RequestID}
	}
	id := binary.LittleEndian.Uint32(f.Payload[0:4])
	chunk := f.Payload[4:]

	h, err := s.registry.Write(id, chunk)
	if err != nil {
		return wire.Frame{Tag: wire.TagAllocFailed, RequestID: f.RequestID}
	}
	return wire.Frame{Tag: wire.TagAck, RequestID: f.RequestID, Immediate: f.Immediate, Payload: wire.PutHandle(nil, h)}
}

// handlePersistSSTableBuffer is the FLUSH_SSTABLE_BUF phase: fsync the
// region to the durable Store. Only issued for the trailing meta chunk
// of a file, the point at which the whole file becomes recoverable.
func (s *Server) handlePersistSSTableBuffer(f wire.Frame) wire.Frame {
	if len(f.Payload) < 4 {
		return wire.Frame{Tag: wire.TagAllocFailed, RequestID: f.RequestID}
	}
	id := binary.LittleEndian.Uint32(f.Payload[0:4])
	if err := s.registry.MarkPersisted(id); err != nil {
		return wire.Frame{Tag: wire.TagAllocFailed, RequestID: f.RequestID}
	}
	return wire.Frame{Tag: wire.TagAck, RequestID: f.RequestID, Immediate: f.Immediate}
}

// handleReadDataBlock answers INITIATE_RTABLE_READ_DATA_BLOCK(handle,
// offset, size): the payload carries the handle followed by the
// sub-range to read within it, absolute position handle.Offset+offset.
func (s *Server) handleReadDataBlock(f wire.Frame) wire.Frame {
	h, rest, err := wire.GetHandle(f.Payload)
	if err != nil || len(rest) < 16 {
		return wire.Frame{Tag: wire.TagGone, RequestID: f.RequestID}
	}
	offset := binary.LittleEndian.Uint64(rest[0:8])
	n := binary.LittleEndian.Uint64(rest[8:16])

	data, err := s.registry.ReadRange(h, offset, n)
	if err != nil {
		return wire.Frame{Tag: wire.TagGone, RequestID: f.RequestID}
	}
	return wire.Frame{Tag: wire.TagAck, RequestID: f.RequestID, Payload: data}
}

func (s *Server) handleDeleteTables(f wire.Frame) wire.Frame {
	if len(f.Payload) < 4 {
		return wire.Frame{Tag: wire.TagAck, RequestID: f.RequestID}
	}
	n := binary.LittleEndian.Uint32(f.Payload[0:4])
	ids := make([]uint32, 0, n)
	off := 4
	for i := uint32(0); i < n && off+4 <= len(f.Payload); i++ {
		ids = append(ids, binary.LittleEndian.Uint32(f.Payload[off:off+4]))
		off += 4
	}
	_ = s.registry.Delete(ids)
	return wire.Frame{Tag: wire.TagAck, RequestID: f.RequestID}
}

// handleReplicateLogRecord decodes logFile + a count-prefixed vector of
// (dbName, memtableID, data) records (InitiateReplicateLogRecords'
// wire shape) and appends only each record's actual WAL bytes to the
// in-memory and durable log buffer — the framing itself must not leak
// into the buffer a later READ_LOG_FILE hands back during recovery.
func (s *Server) handleReplicateLogRecord(f wire.Frame) wire.Frame {
	logFile, rest, err := wire.GetString(f.Payload)
	if err != nil || len(rest) < 4 {
		return wire.Frame{Tag: wire.TagAllocFailed, RequestID: f.RequestID}
	}
	count := binary.LittleEndian.Uint32(rest[0:4])
	rest = rest[4:]

	var appended []byte
	var dbName string
	for i := uint32(0); i < count; i++ {
		var db, data string
		db, rest, err = wire.GetString(rest)
		if err != nil || len(rest) < 4 {
			return wire.Frame{Tag: wire.TagAllocFailed, RequestID: f.RequestID}
		}
		rest = rest[4:] // memtableID, not needed here
		data, rest, err = wire.GetString(rest)
		if err != nil {
			return wire.Frame{Tag: wire.TagAllocFailed, RequestID: f.RequestID}
		}
		appended = append(appended, data...)
		if dbName == "" {
			dbName = db
		}
	}

	s.logFiles[logFile] = append(s.logFiles[logFile], appended...)
	if _, known := s.logFileDB[logFile]; !known && dbName != "" {
		s.logFileDB[logFile] = dbName
	}
	if err := s.registry.store.PutLogBuffer(logFile, s.logFileDB[logFile], s.logFiles[logFile]); err != nil {
		rlog.WithComponent("stoc-server").Warn().Err(err).Msg("persist log buffer failed")
	}
	return wire.Frame{Tag: wire.TagAck, RequestID: f.RequestID}
}

func (s *Server) handleCloseLogFile(f wire.Frame) wire.Frame {
	logFile, _, err := wire.GetString(f.Payload)
	if err != nil {
		return wire.Frame{Tag: wire.TagAck, RequestID: f.RequestID}
	}
	delete(s.logFiles, logFile)
	delete(s.logFileDB, logFile)
	_ = s.registry.store.DeleteLogBuffer(logFile)
	return wire.Frame{Tag: wire.TagAck, RequestID: f.RequestID}
}

// handleQueryLogFiles answers the recovery-path query for which log
// files this StoC still holds for dbName, QUERY_LOG_FILES_RESPONSE.
func (s *Server) handleQueryLogFiles(f wire.Frame) wire.Frame {
	dbName, _, err := wire.GetString(f.Payload)
	if err != nil {
		return wire.Frame{Tag: wire.TagAllocFailed, RequestID: f.RequestID}
	}
	var names []string
	for logFile, owner := range s.logFileDB {
		if owner == dbName {
			names = append(names, logFile)
		}
	}
	sort.Strings(names)
	return wire.Frame{Tag: wire.TagAck, RequestID: f.RequestID, Payload: wire.PutStringVector(nil, names)}
}

// handleReadInMemoryLogFile answers READ_LOG_FILE: the raw in-memory
// log buffer for logFile, used during recovery before it has been
// flushed into an SSTable.
func (s *Server) handleReadInMemoryLogFile(f wire.Frame) wire.Frame {
	logFile, _, err := wire.GetString(f.Payload)
	if err != nil {
		return wire.Frame{Tag: wire.TagAllocFailed, RequestID: f.RequestID}
	}
	data, ok := s.logFiles[logFile]
	if !ok {
		return wire.Frame{Tag: wire.TagGone, RequestID: f.RequestID}
	}
	return wire.Frame{Tag: wire.TagAck, RequestID: f.RequestID, Payload: append([]byte(nil), data...)}
}

func (s *Server) handleFilenameRTableMapping(f wire.Frame) wire.Frame {
	if len(f.Payload) < 4 {
		return wire.Frame{Tag: wire.TagAck, RequestID: f.RequestID}
	}
	n := binary.LittleEndian.Uint32(f.Payload[0:4])
	rest := f.Payload[4:]
	mapping := make(map[string]uint32, n)
	for i := uint32(0); i < n; i++ {
		fn, r, err := wire.GetString(rest)
		if err != nil || len(r) < 4 {
			break
		}
		mapping[fn] = binary.LittleEndian.Uint32(r[0:4])
		rest = r[4:]
	}
	_ = s.registry.UpdateFilenameMapping(mapping)
	return wire.Frame{Tag: wire.TagAck, RequestID: f.RequestID}
}

func (s *Server) handleCompactionRequest(f wire.Frame) wire.Frame {
	if s.compaction == nil {
		return wire.Frame{Tag: wire.TagAllocFailed, RequestID: f.RequestID}
	}
	req, err := wire.DecodeCompactionRequest(f.Payload)
	if err != nil {
		return wire.Frame{Tag: wire.TagAllocFailed, RequestID: f.RequestID}
	}
	out, err := s.compaction.Submit(context.Background(), req)
	if err != nil {
		return wire.Frame{Tag: wire.TagAllocFailed, RequestID: f.RequestID}
	}
	return wire.Frame{Tag: wire.TagCompactionResponse, RequestID: f.RequestID, Payload: wire.EncodeCompactionRequest(out)}
}

func (s *Server) handleReadDCStats(f wire.Frame) wire.Frame {
	var tmp [24]byte
	binary.LittleEndian.PutUint64(tmp[0:8], s.registry.PendingReadBytes())
	binary.LittleEndian.PutUint64(tmp[8:16], s.registry.PendingWriteBytes())
	binary.LittleEndian.PutUint64(tmp[16:24], uint64(s.registry.RTableCount()))
	return wire.Frame{Tag: wire.TagAck, RequestID: f.RequestID, Payload: tmp[:]}
}
