package checksum

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/DataBiosphere/ssds/chunk"
)

// PartDigest holds the digests of a single chunk.
type PartDigest struct {
	MD5    [md5.Size]byte
	CRC32C uint32
}

// MD5Hex returns the hex encoded MD5 of the part.
func (p PartDigest) MD5Hex() string {
	return hex.EncodeToString(p.MD5[:])
}

// Digests are the expected digests of an object uploaded with a given plan.
type Digests struct {
	Plan chunk.Plan
	// MD5 is the hex MD5 of the whole object.
	MD5 string
	// ETag is the S3 style identity: MD5 for single chunk plans, the composite digest otherwise.
	ETag   string
	CRC32C uint32
	Parts  []PartDigest
}

// Tags returns the portable checksum tags every uploaded object carries.
func (d Digests) Tags() map[string]string {
	return map[string]string{
		TagMD5:    d.ETag,
		TagCRC32C: EncodeCRC32C(d.CRC32C),
	}
}

// Compute reads every chunk of the provider once, in index order, and
// returns the object's digests. Read errors are returned as is, before any
// network call is made with the plan.
func Compute(ctx context.Context, provider chunk.Provider) (Digests, error) {
	plan := provider.Plan()
	whole := md5.New()
	var crc uint32
	parts := make([]PartDigest, plan.NumChunks())

	for i := range plan.Chunks {
		if err := ctx.Err(); err != nil {
			return Digests{}, err
		}

		data, err := provider.GetChunk(i)
		if err != nil {
			return Digests{}, err
		}
		if int64(len(data)) != plan.Chunks[i].Length {
			return Digests{}, fmt.Errorf("chunk %d: expected %d bytes, got %d", i+1, plan.Chunks[i].Length, len(data))
		}

		whole.Write(data)
		crc = UpdateCRC32C(crc, data)
		parts[i] = PartDigest{MD5: md5.Sum(data), CRC32C: CRC32C(data)}
	}

	d := Digests{
		Plan:   plan,
		MD5:    hex.EncodeToString(whole.Sum(nil)),
		CRC32C: crc,
		Parts:  parts,
	}

	if plan.IsMultipart() {
		sums := make([][md5.Size]byte, len(parts))
		for i, p := range parts {
			sums[i] = p.MD5
		}
		d.ETag = CompositeETag(sums)
	} else {
		d.ETag = d.MD5
	}

	return d, nil
}
