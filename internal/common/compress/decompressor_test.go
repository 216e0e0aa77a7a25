package compress

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const payload = `{"id":"gid://shopify/Product/1"}` + "\n" + `{"id":"gid://shopify/ProductVariant/2","__parentId":"gid://shopify/Product/1"}` + "\n"

func TestDetectEncoding(t *testing.T) {
	assert.Equal(t, Gzip, DetectEncoding([]byte{0x1f, 0x8b, 0x08}))
	assert.Equal(t, Deflate, DetectEncoding([]byte{0x78, 0x9c}))
	assert.Equal(t, Deflate, DetectEncoding([]byte{0x78, 0xda}))
	assert.Equal(t, Identity, DetectEncoding([]byte{0x78, 0x00}))
	assert.Equal(t, Identity, DetectEncoding([]byte(`{"`)))
	assert.Equal(t, Identity, DetectEncoding([]byte{0x1f}))
}

func TestNewDecompressingReader(t *testing.T) {
	var gzipped bytes.Buffer
	gw := gzip.NewWriter(&gzipped)
	_, err := gw.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	var zlibbed bytes.Buffer
	zw := zlib.NewWriter(&zlibbed)
	_, err = zw.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	tests := map[string]struct {
		input    []byte
		encoding Encoding
	}{
		"identity": {input: []byte(payload), encoding: Identity},
		"gzip":     {input: gzipped.Bytes(), encoding: Gzip},
		"zlib":     {input: zlibbed.Bytes(), encoding: Deflate},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			reader, encoding, err := NewDecompressingReader(bytes.NewReader(tc.input))
			require.NoError(t, err)
			defer reader.Close()
			assert.Equal(t, tc.encoding, encoding)

			out, err := io.ReadAll(reader)
			require.NoError(t, err)
			assert.Equal(t, payload, string(out))
		})
	}
}

func TestNewDecompressingReader_EmptyInput(t *testing.T) {
	reader, encoding, err := NewDecompressingReader(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Equal(t, Identity, encoding)
	out, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestNewDecompressingReader_CorruptGzip(t *testing.T) {
	corrupt := []byte{0x1f, 0x8b, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0x01, 0x02}
	reader, _, err := NewDecompressingReader(bytes.NewReader(corrupt))
	if err == nil {
		_, err = io.ReadAll(reader)
	}
	assert.Error(t, err)
}
