// Package checksum computes object digests that match what object store
// providers report for the same bytes.
package checksum

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/klauspost/crc32"
)

const (
	// TagMD5 holds the S3 style identity tag: the MD5 hex digest for single part
	// objects, the composite digest for multipart ones.
	TagMD5 = "SSDS_MD5"
	// TagCRC32C holds the base64 encoded big-endian CRC32C of the whole object.
	TagCRC32C = "SSDS_CRC32C"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// MD5Hex returns the hex encoded MD5 digest of data.
func MD5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// CRC32C returns the Castagnoli CRC32 of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// UpdateCRC32C extends crc with the bytes of data.
func UpdateCRC32C(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, castagnoli, data)
}

// EncodeCRC32C formats a CRC32C the way Google Storage reports it.
func EncodeCRC32C(crc uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], crc)
	return base64.StdEncoding.EncodeToString(b[:])
}

// DecodeCRC32C parses a Google Storage formatted CRC32C.
func DecodeCRC32C(s string) (uint32, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("decode crc32c %q: %w", s, err)
	}
	if len(b) != 4 {
		return 0, fmt.Errorf("decode crc32c %q: expected 4 bytes, got %d", s, len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

// CompositeETag returns md5(concat(parts)) as hex, suffixed with the part count.
// parts are the binary MD5 digests of the parts in index order.
func CompositeETag(parts [][md5.Size]byte) string {
	h := md5.New()
	for _, p := range parts {
		h.Write(p[:])
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(h.Sum(nil)), len(parts))
}

// CompositeETagFromHex is CompositeETag for hex encoded part digests, as
// returned by providers when parts are acknowledged.
func CompositeETagFromHex(parts []string) (string, error) {
	raw := make([][md5.Size]byte, len(parts))
	for i, p := range parts {
		b, err := hex.DecodeString(NormalizeETag(p))
		if err != nil || len(b) != md5.Size {
			return "", fmt.Errorf("part %d: invalid md5 digest %q", i+1, p)
		}
		copy(raw[i][:], b)
	}
	return CompositeETag(raw), nil
}

// NormalizeETag strips the quotes providers put around ETags.
func NormalizeETag(etag string) string {
	return strings.Trim(strings.TrimSpace(etag), `"`)
}
