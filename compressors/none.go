package compressors

import (
	"bytes"
	"io"

	"github.com/flintdb/flint/core"
)

// NoCompression implements the Compressor interface without compressing.
type NoCompression struct{}

type plainReadCloser struct {
	*bytes.Reader
}

func (plainReadCloser) Close() error { return nil }

var _ core.Compressor = (*NoCompression)(nil)

func NewNoCompression() *NoCompression { return &NoCompression{} }

func (c *NoCompression) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (c *NoCompression) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	_, err := dst.Write(src)
	return err
}

func (c *NoCompression) Decompress(data []byte) (io.ReadCloser, error) {
	return plainReadCloser{Reader: bytes.NewReader(data)}, nil
}

func (c *NoCompression) Type() core.CompressionType {
	return core.CompressionNone
}
