package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/peerpigeon/peerpigeon/pkg/wire"
)

func encodeFrame(f wire.SignalingFrame) ([]byte, error) {
	if err := (&f).Validate(); err != nil {
		return nil, fmt.Errorf("signaling: invalid outbound frame: %w", err)
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("signaling: encode frame: %w", err)
	}
	return b, nil
}

func decodeFrame(raw []byte) (wire.SignalingFrame, error) {
	var f wire.SignalingFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return wire.SignalingFrame{}, fmt.Errorf("signaling: decode frame: %w", err)
	}
	if err := f.Validate(); err != nil {
		return wire.SignalingFrame{}, fmt.Errorf("signaling: invalid inbound frame: %w", err)
	}
	return f, nil
}
