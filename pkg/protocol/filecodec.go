package protocol

import (
	"fmt"

	"github.com/golang/snappy"
)

// EncodeFileData snappy-compresses file contents for relay. Relayed files
// are frequently text (configs, scripts, logs) and compress well.
func EncodeFileData(raw []byte) []byte {
	return snappy.Encode(nil, raw)
}

// DecodeFileData decompresses relayed file contents.
func DecodeFileData(compressed []byte) ([]byte, error) {
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress file payload: %w", err)
	}
	return raw, nil
}
