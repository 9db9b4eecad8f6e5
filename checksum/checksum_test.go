package checksum

import (
	"context"
	"crypto/md5"
	"errors"
	"testing"

	"github.com/DataBiosphere/ssds/chunk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC32C(t *testing.T) {
	crc := CRC32C([]byte("123456789"))
	assert.Equal(t, uint32(0xE3069283), crc)
	assert.Equal(t, "4waSgw==", EncodeCRC32C(crc))

	decoded, err := DecodeCRC32C("4waSgw==")
	require.NoError(t, err)
	assert.Equal(t, crc, decoded)

	_, err = DecodeCRC32C("AAAA")
	assert.Error(t, err)
	_, err = DecodeCRC32C("not base64!")
	assert.Error(t, err)
}

func TestUpdateCRC32C_MatchesWhole(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")

	var crc uint32
	for _, part := range [][]byte{data[:10], data[10:11], data[11:]} {
		crc = UpdateCRC32C(crc, part)
	}

	assert.Equal(t, CRC32C(data), crc)
}

func TestCompositeETag(t *testing.T) {
	got := CompositeETag([][md5.Size]byte{
		md5.Sum([]byte("aaaaa")),
		md5.Sum([]byte("bbb")),
	})
	assert.Equal(t, "72d27afac8e2fbd3662861b9d607a02c-2", got)

	fromHex, err := CompositeETagFromHex([]string{MD5Hex([]byte("aaaaa")), `"` + MD5Hex([]byte("bbb")) + `"`})
	require.NoError(t, err)
	assert.Equal(t, got, fromHex)

	_, err = CompositeETagFromHex([]string{"zz"})
	assert.Error(t, err)
}

func TestCompute_SinglePart(t *testing.T) {
	provider, err := chunk.NewBytesProvider([]byte("hello"), 10)
	require.NoError(t, err)

	d, err := Compute(context.Background(), provider)
	require.NoError(t, err)

	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", d.MD5)
	assert.Equal(t, d.MD5, d.ETag)
	assert.Len(t, d.Parts, 1)
	assert.Equal(t, EncodeCRC32C(CRC32C([]byte("hello"))), d.Tags()[TagCRC32C])
	assert.Equal(t, d.MD5, d.Tags()[TagMD5])
}

func TestCompute_Composite(t *testing.T) {
	const c = 1024
	data := make([]byte, 2*c+100)
	for i := range data {
		data[i] = byte(i * 7)
	}

	provider, err := chunk.NewBytesProvider(data, c)
	require.NoError(t, err)

	d, err := Compute(context.Background(), provider)
	require.NoError(t, err)

	want := CompositeETag([][md5.Size]byte{
		md5.Sum(data[:c]),
		md5.Sum(data[c : 2*c]),
		md5.Sum(data[2*c:]),
	})
	assert.Equal(t, want, d.ETag)
	assert.Regexp(t, `^[0-9a-f]{32}-3$`, d.ETag)
	assert.Equal(t, MD5Hex(data), d.MD5)
	assert.Equal(t, CRC32C(data), d.CRC32C)
	assert.Equal(t, CRC32C(data[2*c:]), d.Parts[2].CRC32C)

	again, err := Compute(context.Background(), provider)
	require.NoError(t, err)
	assert.Equal(t, d, again)
}

type failingProvider struct {
	plan chunk.Plan
}

func (p failingProvider) Plan() chunk.Plan { return p.plan }
func (p failingProvider) GetChunk(int) ([]byte, error) {
	return nil, errors.New("disk gone")
}

func TestCompute_ReadError(t *testing.T) {
	plan, err := chunk.NewPlan(10, 5)
	require.NoError(t, err)

	_, err = Compute(context.Background(), failingProvider{plan: plan})
	assert.EqualError(t, err, "disk gone")
}

func TestConventions(t *testing.T) {
	data := []byte("aaaaabbb")
	provider, err := chunk.NewBytesProvider(data, 5)
	require.NoError(t, err)
	d, err := Compute(context.Background(), provider)
	require.NoError(t, err)

	tests := []struct {
		name string
		conv Convention
		kind Kind
	}{
		{name: "s3", conv: S3ETag{}, kind: CompositeMultipart},
		{name: "gs", conv: GSCRC32C{}, kind: WholeObject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.conv.Kind())

			partDigests := []string{tt.conv.PartDigestOf(data[:5]), tt.conv.PartDigestOf(data[5:])}
			for i, pd := range partDigests {
				assert.Equal(t, tt.conv.ExpectedPart(d, i), pd)
			}

			identity, err := tt.conv.CompositeIdentityOf(partDigests, data)
			require.NoError(t, err)
			assert.Equal(t, tt.conv.ExpectedIdentity(d), identity)
			assert.Equal(t, d.Tags()[tt.conv.TagKey()], identity)
		})
	}
}
