package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// RequestID holds a JSON-RPC request identifier. The wire format permits
// strings and numbers; a nil value marks a notification.
type RequestID struct {
	value interface{}
}

// NewRequestID wraps a string or numeric value. Unsupported types collapse
// to the nil ID rather than failing, matching the lenient decode path.
func NewRequestID(value interface{}) *RequestID {
	switch v := value.(type) {
	case string, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return &RequestID{value: v}
	default:
		return &RequestID{value: nil}
	}
}

// String renders the ID for logging and map keys. The nil ID renders empty.
func (id *RequestID) String() string {
	if id == nil {
		return ""
	}
	if id.value == nil {
		return ""
	}

	switch v := id.value.(type) {
	case string:
		return v
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprintf("%v", v)
	default:
		panic("unreachable: request ID holds unsupported type")
	}
}

// Value exposes the raw underlying value.
func (id *RequestID) Value() interface{} {
	return id.value
}

// IsNil reports whether the ID is absent. Safe on a nil receiver so callers
// can test an optional ID field directly.
func (id *RequestID) IsNil() bool {
	if id == nil {
		return true
	}

	return id.value == nil
}

func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id == nil || id.value == nil {
		return []byte{}, nil
	}
	return json.Marshal(id.value)
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	// Numbers decode as float64; keep integral values as int64 so they
	// round-trip without a trailing ".0".
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		if num == float64(int64(num)) {
			id.value = int64(num)
		} else {
			id.value = num
		}
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.value = str
		return nil
	}

	return fmt.Errorf("JSON-RPC ID must be a string or number, got: %s", string(data))
}
