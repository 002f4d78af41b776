// Package codec serializes task and result payloads for the task channel.
// The channel itself never inspects payloads; it only frames the bytes a
// Codec produces.
package codec

import "fmt"

// Codec marshals opaque payload values.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Names of the built-in codecs.
const (
	NameJSON = "json"
	NameCBOR = "cbor"
)

// Default is the codec used when none is configured.
const Default = NameJSON

// ByName returns the built-in codec with the given name. An empty name
// selects Default.
func ByName(name string) (Codec, error) {
	switch name {
	case "", NameJSON:
		return JSON(), nil
	case NameCBOR:
		return CBOR()
	default:
		return nil, fmt.Errorf("unknown codec %q (want %s or %s)", name, NameJSON, NameCBOR)
	}
}
