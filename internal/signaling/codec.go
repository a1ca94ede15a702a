package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/1ureka/peerlink/internal/config"
)

// Codec turns envelopes into bytes and back.
type Codec interface {
	Name() string
	Marshal(m Message) ([]byte, error)
	Unmarshal(data []byte, m *Message) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string {
	return string(config.CodecJSON)
}

func (jsonCodec) Marshal(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func (jsonCodec) Unmarshal(data []byte, m *Message) error {
	return json.Unmarshal(data, m)
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() (*cborCodec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor enc mode: %w", err)
	}
	dec, err := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 16,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor dec mode: %w", err)
	}
	return &cborCodec{enc: enc, dec: dec}, nil
}

func (c *cborCodec) Name() string {
	return string(config.CodecCBOR)
}

func (c *cborCodec) Marshal(m Message) ([]byte, error) {
	return c.enc.Marshal(m)
}

func (c *cborCodec) Unmarshal(data []byte, m *Message) error {
	return c.dec.Unmarshal(data, m)
}

// CodecFor returns the envelope codec selected in the configuration.
// An empty value means JSON.
func CodecFor(w config.WireCodec) (Codec, error) {
	switch w {
	case config.CodecJSON, "":
		return jsonCodec{}, nil
	case config.CodecCBOR:
		return newCBORCodec()
	default:
		return nil, fmt.Errorf("unknown signaling codec %q", w)
	}
}
