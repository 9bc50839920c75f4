// Package codec encodes stored records.
//
// Records are CBOR with Core Deterministic Encoding (sorted map keys,
// shortest integer form, no indefinite lengths) so the same logical value
// always produces the same bytes. Large payloads are zstd-compressed behind a
// one byte tag, and Hash gives a BLAKE3 content digest over the deterministic
// form.
package codec

import (
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// compressThreshold is the payload size above which Pack tries zstd.
const compressThreshold = 4 << 10

// Tag prefixes every packed payload.
type Tag byte

const (
	TagRaw  Tag = 0
	TagZstd Tag = 1
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

// ErrEmptyPayload is returned by Unpack for a zero-length input.
var ErrEmptyPayload = errors.New("codec: empty payload")

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Liveness windows are compared at millisecond resolution; unix
	// seconds would truncate heartbeats.
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Pack marshals v and compresses the result when it is large enough for
// zstd to pay off.
func Pack(v any) ([]byte, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	if len(raw) >= compressThreshold {
		compressed := zstdEncoder.EncodeAll(raw, make([]byte, 1, len(raw)/2))
		if len(compressed) < len(raw) {
			compressed[0] = byte(TagZstd)
			return compressed, nil
		}
	}
	out := make([]byte, 0, len(raw)+1)
	out = append(out, byte(TagRaw))
	return append(out, raw...), nil
}

// Unpack reverses Pack.
func Unpack(data []byte, v any) error {
	if len(data) == 0 {
		return ErrEmptyPayload
	}
	body := data[1:]
	switch Tag(data[0]) {
	case TagRaw:
	case TagZstd:
		decoded, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("codec: zstd decompress: %w", err)
		}
		body = decoded
	default:
		return fmt.Errorf("codec: unknown payload tag %d", data[0])
	}
	if err := Unmarshal(body, v); err != nil {
		return fmt.Errorf("codec: unmarshal: %w", err)
	}
	return nil
}

// Hash returns the hex BLAKE3-256 digest of the deterministic encoding of v.
func Hash(v any) (string, error) {
	raw, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("codec: marshal: %w", err)
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
