package arc

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/basekick-labs/arc-bench/pkg/models"
)

// Compression names accepted by the compression option
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

// encoder turns columnar payloads into request bodies
type encoder struct {
	compression string
	zstd        *zstd.Encoder
}

func newEncoder(compression string) (*encoder, error) {
	e := &encoder{compression: compression}
	switch compression {
	case CompressionNone, CompressionGzip:
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		e.zstd = enc
	default:
		return nil, fmt.Errorf("unknown compression %q", compression)
	}
	return e, nil
}

// encode marshals p and compresses the result. contentEncoding is empty
// when the body is sent as is.
func (e *encoder) encode(p models.ColumnarPayload) (body []byte, contentEncoding string, err error) {
	raw, err := msgpack.Marshal(p)
	if err != nil {
		return nil, "", fmt.Errorf("msgpack: %w", err)
	}

	switch e.compression {
	case CompressionGzip:
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
		if err != nil {
			return nil, "", err
		}
		if _, err := w.Write(raw); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), CompressionGzip, nil
	case CompressionZstd:
		return e.zstd.EncodeAll(raw, nil), CompressionZstd, nil
	}
	return raw, "", nil
}

func (e *encoder) close() {
	if e.zstd != nil {
		e.zstd.Close()
	}
}
