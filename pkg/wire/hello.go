package wire

import (
	"github.com/agentries/amp/pkg/amperrors"
	"github.com/agentries/amp/pkg/codec"
)

// HelloBody is the body of a HELLO message: the sender's list of
// supported dotted-version strings, consumed by
// handshake.SelectCompatibleVersion on the receiving side.
type HelloBody struct {
	Versions []string
}

type cborHelloBody struct {
	Versions []string `cbor:"versions"`
}

// Encode canonically encodes the HELLO body for use as a wire envelope
// body value.
func (b HelloBody) Encode() ([]byte, error) {
	return codec.Marshal(cborHelloBody{Versions: b.Versions})
}

// DecodeHelloBody decodes canonical HELLO body bytes into a HelloBody.
func DecodeHelloBody(bodyBytes []byte) (HelloBody, error) {
	var c cborHelloBody
	if err := codec.Unmarshal(bodyBytes, &c); err != nil {
		return HelloBody{}, amperrors.InvalidMessage("decode hello body: " + err.Error())
	}
	return HelloBody{Versions: c.Versions}, nil
}
