// Package controlapi exposes a minimal read-only operational surface
// over gRPC — StoC DC_READ_STATS passthrough and an RTable listing —
// grounded on a gRPC control-plane pattern (originally
// pkg/api/server.go), but hand-registered against a plain
// google.golang.org/grpc.Server rather than generated proto stubs: no
// protoc toolchain is available in this environment, so requests and
// responses are plain Go structs carried as JSON rather than protobuf
// messages. See DESIGN.md for why this is JSON-over-grpc instead of
// protobuf-over-grpc.
package controlapi

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

const jsonCodecName = "controlapi-json"

// jsonCodec implements encoding.Codec by marshaling every message as
// JSON, so this service can ride a real grpc.Server/grpc.ClientConn
// without a .proto-generated message type.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

func mustJSONCodecName() string {
	if encoding.GetCodec(jsonCodecName) == nil {
		panic(fmt.Sprintf("controlapi: codec %q not registered", jsonCodecName))
	}
	return jsonCodecName
}
