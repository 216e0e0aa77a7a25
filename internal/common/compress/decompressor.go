package compress

import (
	"bufio"
	"compress/gzip"
	"compress/zlib"
	"io"

	"github.com/pkg/errors"
)

type Encoding string

const (
	Identity Encoding = "identity"
	Gzip     Encoding = "gzip"
	Deflate  Encoding = "deflate"
)

// DetectEncoding inspects the first bytes of a stream. Declared content encodings are not trusted:
// gzip starts with 1f 8b and zlib wrapped deflate with 78 followed by one of 01, 5e, 9c or da.
func DetectEncoding(header []byte) Encoding {
	if len(header) < 2 {
		return Identity
	}
	if header[0] == 0x1f && header[1] == 0x8b {
		return Gzip
	}
	if header[0] == 0x78 {
		switch header[1] {
		case 0x01, 0x5e, 0x9c, 0xda:
			return Deflate
		}
	}
	return Identity
}

// NewDecompressingReader wraps r in a decompressor chosen by DetectEncoding. Closing the returned
// reader does not close r.
func NewDecompressingReader(r io.Reader) (io.ReadCloser, Encoding, error) {
	buffered := bufio.NewReaderSize(r, 64*1024)
	header, err := buffered.Peek(2)
	if err != nil && err != io.EOF {
		return nil, Identity, errors.WithStack(err)
	}

	encoding := DetectEncoding(header)
	switch encoding {
	case Gzip:
		reader, err := gzip.NewReader(buffered)
		if err != nil {
			return nil, encoding, errors.WithStack(err)
		}
		return reader, encoding, nil
	case Deflate:
		reader, err := zlib.NewReader(buffered)
		if err != nil {
			return nil, encoding, errors.WithStack(err)
		}
		return reader, encoding, nil
	default:
		return io.NopCloser(buffered), Identity, nil
	}
}
