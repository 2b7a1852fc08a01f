// Package rpc is the wire layer: the JSON codec, the request and
// response types, hand-written service descriptors, typed clients, and
// the mapping between domain errors and gRPC statuses.
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName identifies the JSON codec in content-subtype negotiation.
const CodecName = "hyperfleet-json"

// Codec encodes hyperfleet messages as JSON. Servers force it with
// grpc.ForceServerCodec, clients per call with grpc.ForceCodec; the
// routing proxy never decodes frames, so both ends agree regardless of
// what the wire header claims.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (Codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (Codec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(Codec{})
}
