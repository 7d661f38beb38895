package controlapi

import "encoding/binary"

// decodeDCStats decodes the 24-byte DC_READ_STATS payload produced by
// pkg/stoc.Server.handleReadDCStats: three little-endian uint64 fields.
func decodeDCStats(payload []byte) *ReadStatsResponse {
	return &ReadStatsResponse{
		PendingReadBytes:  binary.LittleEndian.Uint64(payload[0:8]),
		PendingWriteBytes: binary.LittleEndian.Uint64(payload[8:16]),
		RTableCount:       int(binary.LittleEndian.Uint64(payload[16:24])),
	}
}
