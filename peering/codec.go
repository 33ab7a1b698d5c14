package peering

import (
	"encoding/json"
	"io"
)

type Decoder interface {
	Decode(*Envelope) error
}

type Encoder interface {
	Encode(*Envelope) error
}

type JSONDecoder struct {
	jdecoder *json.Decoder
}

func NewJSONDecoder(r io.Reader) *JSONDecoder {
	return &JSONDecoder{
		jdecoder: json.NewDecoder(r),
	}
}

func (d *JSONDecoder) Decode(env *Envelope) error {
	return d.jdecoder.Decode(env)
}

type JSONEncoder struct {
	jencoder *json.Encoder
}

func NewJSONEncoder(w io.Writer) *JSONEncoder {
	return &JSONEncoder{
		jencoder: json.NewEncoder(w),
	}
}

func (e *JSONEncoder) Encode(env *Envelope) error {
	return e.jencoder.Encode(env)
}

// CloneEnvelope deep-copies an envelope through its wire encoding.
// Hosts use it so no live reference in data or authentication survives
// a hop, matching what a real process boundary would do.
func CloneEnvelope(env *Envelope) (*Envelope, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	out := &Envelope{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

// asPeerInfo coerces a decoded data payload into a PeerInfo. After a
// hop the payload arrives as generic JSON, so it is re-marshalled when
// it is not already the concrete type.
func asPeerInfo(v any) (PeerInfo, bool) {
	switch info := v.(type) {
	case PeerInfo:
		return info, true
	case *PeerInfo:
		return *info, true
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return PeerInfo{}, false
	}
	var info PeerInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return PeerInfo{}, false
	}
	return info, info.UUID != ""
}
