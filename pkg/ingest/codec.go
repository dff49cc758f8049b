package ingest

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype ingest messages travel under.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(codec{})
}

// codec implements encoding.Codec with encoding/json. types.Sample carries its
// own JSON form, so non-finite values round-trip.
type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (codec) Name() string {
	return CodecName
}
