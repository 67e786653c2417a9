package compression

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zstd"
)

// countingWriter считает записанные байты сжатого потока.
type countingWriter struct {
	io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.Writer.Write(p)
	c.n += int64(n)
	return n, err
}

// CompressZstd compresses using zstd and returns the compressed size
func CompressZstd(r io.Reader, w io.Writer) (int64, error) {
	counter := &countingWriter{Writer: w}
	enc, err := zstd.NewWriter(counter)
	if err != nil {
		return 0, err
	}
	defer enc.Close()

	_, err = io.Copy(enc, r)
	if err != nil {
		return 0, err
	}

	if err := enc.Close(); err != nil {
		return 0, err
	}

	return counter.n, nil
}

// DecompressZstd decompresses zstd data
func DecompressZstd(r io.Reader, w io.Writer) (int64, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	return io.Copy(w, dec)
}

// Zstd compresses an in-memory buffer.
func Zstd(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := CompressZstd(bytes.NewReader(data), &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unzstd reverses Zstd.
func Unzstd(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := DecompressZstd(bytes.NewReader(data), &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
