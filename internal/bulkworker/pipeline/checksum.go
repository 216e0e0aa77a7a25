package pipeline

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"net/http"
	"strings"
)

type ChecksumAlgorithm string

const (
	MD5    ChecksumAlgorithm = "md5"
	SHA256 ChecksumAlgorithm = "sha256"
)

// ExpectedChecksum is a digest advertised by the server for the encoded response body.
type ExpectedChecksum struct {
	Algorithm ChecksumAlgorithm
	Digest    []byte
	// Header the digest was read from.
	Source string
}

func (c *ExpectedChecksum) newHash() hash.Hash {
	if c.Algorithm == SHA256 {
		return sha256.New()
	}
	return md5.New()
}

func (c *ExpectedChecksum) matches(actual []byte) bool {
	return bytes.Equal(c.Digest, actual)
}

func (c *ExpectedChecksum) String() string {
	return fmt.Sprintf("%s:%s", c.Algorithm, hex.EncodeToString(c.Digest))
}

// checksumFromHeaders picks the strongest digest the response advertises. Explicit checksum headers
// win over Content-MD5, which wins over the ETag. Weak and multipart ETags carry no digest.
func checksumFromHeaders(header http.Header) *ExpectedChecksum {
	for _, name := range []string{"X-Amz-Checksum-Sha256", "X-Checksum-Sha256"} {
		if digest := decodeDigest(header.Get(name)); len(digest) == sha256.Size {
			return &ExpectedChecksum{Algorithm: SHA256, Digest: digest, Source: name}
		}
	}
	for _, part := range strings.Split(header.Get("X-Goog-Hash"), ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found || !strings.EqualFold(key, "md5") {
			continue
		}
		if digest := decodeDigest(value); len(digest) == md5.Size {
			return &ExpectedChecksum{Algorithm: MD5, Digest: digest, Source: "X-Goog-Hash"}
		}
	}
	for _, name := range []string{"X-Checksum-Md5", "Content-Md5"} {
		if digest := decodeDigest(header.Get(name)); len(digest) == md5.Size {
			return &ExpectedChecksum{Algorithm: MD5, Digest: digest, Source: name}
		}
	}

	etag := strings.TrimSpace(header.Get("Etag"))
	if etag == "" || strings.HasPrefix(etag, "W/") {
		return nil
	}
	digest := decodeDigest(strings.Trim(etag, `"`))
	switch len(digest) {
	case md5.Size:
		return &ExpectedChecksum{Algorithm: MD5, Digest: digest, Source: "Etag"}
	case sha256.Size:
		return &ExpectedChecksum{Algorithm: SHA256, Digest: digest, Source: "Etag"}
	}
	return nil
}

// decodeDigest accepts hex or standard base64. Anything else yields nil.
func decodeDigest(value string) []byte {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if len(value)%2 == 0 {
		if digest, err := hex.DecodeString(value); err == nil {
			return digest
		}
	}
	if digest, err := base64.StdEncoding.DecodeString(value); err == nil {
		return digest
	}
	return nil
}
