package featurestore

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/kozaktomas/fingermatch/internal/features"
)

var encMode cbor.EncMode

func init() {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("featurestore: cbor encoder: %v", err))
	}
	encMode = mode
}

// encodeSet serialises a set deterministically.
func encodeSet(set *features.Set) ([]byte, error) {
	if set == nil {
		set = &features.Set{}
	}
	data, err := encMode.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("encode feature set: %w", err)
	}
	return data, nil
}

func decodeSet(data []byte) (*features.Set, error) {
	var set features.Set
	if err := cbor.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("decode feature set: %w", err)
	}
	if len(set.Keypoints) != len(set.Descriptors) {
		return nil, fmt.Errorf("decode feature set: %d keypoints but %d descriptors",
			len(set.Keypoints), len(set.Descriptors))
	}
	return &set, nil
}
