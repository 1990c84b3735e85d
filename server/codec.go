package server

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype of every inspection message
// ("application/cbor" for Connect, "application/grpc+cbor" for gRPC).
const CodecName = "cbor"

// cborCodec serializes the plain Go message types of this package. It
// satisfies both connect.Codec and grpc's encoding.Codec, so one codec
// serves the Connect, gRPC and gRPC-Web protocols.
type cborCodec struct {
	em cbor.EncMode
}

func newCodec() cborCodec {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("server: failed to create CBOR enc mode: %v", err))
	}
	return cborCodec{em: em}
}

var codec = newCodec()

func init() {
	encoding.RegisterCodec(codec)
}

// Name implements connect.Codec and encoding.Codec.
func (cborCodec) Name() string { return CodecName }

// Marshal implements connect.Codec and encoding.Codec.
func (c cborCodec) Marshal(v any) ([]byte, error) {
	return c.em.Marshal(v)
}

// Unmarshal implements connect.Codec and encoding.Codec.
func (cborCodec) Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}
