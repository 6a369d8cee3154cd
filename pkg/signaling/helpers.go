package signaling

import (
	"encoding/json"
	"time"
)

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func marshalData(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
