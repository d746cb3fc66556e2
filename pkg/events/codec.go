package events

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("events: CBOR encoder initialization failed: " + err.Error())
	}

	// Event content is consumed as map[string]any, never with interface keys.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("events: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes e with deterministic CBOR.
func Marshal(e Event) ([]byte, error) {
	data, err := encMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	return data, nil
}

// Unmarshal decodes an event produced by Marshal.
func Unmarshal(data []byte) (Event, error) {
	var e Event
	if err := decMode.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.Content == nil {
		e.Content = map[string]any{}
	}
	return e, nil
}

// MarshalContent encodes only the content map, as stored next to indexed
// columns.
func MarshalContent(content map[string]any) ([]byte, error) {
	return encMode.Marshal(content)
}

// UnmarshalContent decodes a content map produced by MarshalContent.
func UnmarshalContent(data []byte) (map[string]any, error) {
	content := map[string]any{}
	if len(data) == 0 {
		return content, nil
	}
	if err := decMode.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("decode event content: %w", err)
	}
	return content, nil
}
