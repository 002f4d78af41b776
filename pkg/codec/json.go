package codec

import (
	"encoding/json"
	"fmt"
)

type jsonCodec struct{}

// JSON returns the encoding/json codec.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Name() string { return NameJSON }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json unmarshal: %w", err)
	}
	return nil
}
