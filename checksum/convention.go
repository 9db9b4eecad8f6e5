package checksum

import "fmt"

// Kind identifies how a provider derives an object's identity tag.
type Kind int

const (
	// CompositeMultipart providers report a digest of the concatenated part
	// digests, suffixed with the part count, for multipart objects.
	CompositeMultipart Kind = iota
	// WholeObject providers report a digest of the whole object regardless of
	// how it was uploaded.
	WholeObject
)

func (k Kind) String() string {
	switch k {
	case CompositeMultipart:
		return "composite-multipart"
	case WholeObject:
		return "whole-object"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Convention describes the digests a provider reports.
// The Expected* methods derive the reported values from locally computed
// digests; the *Of methods compute them from bytes the provider received.
type Convention interface {
	Kind() Kind
	// TagKey is the portable tag mirroring the provider's identity tag.
	TagKey() string

	ExpectedIdentity(d Digests) string
	ExpectedPart(d Digests, index int) string

	ObjectIdentityOf(data []byte) string
	PartDigestOf(data []byte) string
	// CompositeIdentityOf returns the identity of an object assembled from
	// parts with the given part digests and assembled content.
	CompositeIdentityOf(partDigests []string, assembled []byte) (string, error)
}

// S3ETag is the S3 convention: MD5 ETags, composite ETags for multipart objects.
type S3ETag struct{}

var _ Convention = S3ETag{}

func (S3ETag) Kind() Kind     { return CompositeMultipart }
func (S3ETag) TagKey() string { return TagMD5 }

func (S3ETag) ExpectedIdentity(d Digests) string {
	return d.ETag
}

func (S3ETag) ExpectedPart(d Digests, index int) string {
	return d.Parts[index].MD5Hex()
}

func (S3ETag) ObjectIdentityOf(data []byte) string {
	return MD5Hex(data)
}

func (S3ETag) PartDigestOf(data []byte) string {
	return MD5Hex(data)
}

func (S3ETag) CompositeIdentityOf(partDigests []string, _ []byte) (string, error) {
	return CompositeETagFromHex(partDigests)
}

// GSCRC32C is the Google Storage convention: every object, composed or not,
// is identified by the CRC32C of its content.
type GSCRC32C struct{}

var _ Convention = GSCRC32C{}

func (GSCRC32C) Kind() Kind     { return WholeObject }
func (GSCRC32C) TagKey() string { return TagCRC32C }

func (GSCRC32C) ExpectedIdentity(d Digests) string {
	return EncodeCRC32C(d.CRC32C)
}

func (GSCRC32C) ExpectedPart(d Digests, index int) string {
	return EncodeCRC32C(d.Parts[index].CRC32C)
}

func (GSCRC32C) ObjectIdentityOf(data []byte) string {
	return EncodeCRC32C(CRC32C(data))
}

func (GSCRC32C) PartDigestOf(data []byte) string {
	return EncodeCRC32C(CRC32C(data))
}

func (GSCRC32C) CompositeIdentityOf(_ []string, assembled []byte) (string, error) {
	return EncodeCRC32C(CRC32C(assembled)), nil
}
