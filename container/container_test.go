package container

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"hash/adler32"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type payload struct {
	Name  string   `json:"name"`
	Count int      `json:"count"`
	Tags  []string `json:"tags,omitempty"`
}

func TestSerializeRoundTripSmall(t *testing.T) {
	in := payload{Name: "alpha", Count: 3, Tags: []string{"a", "b"}}

	blob, stats, err := Serialize(in)
	require.NoError(t, err)
	require.NotNil(t, stats)

	header, out, err := Deserialize[payload](blob)
	require.NoError(t, err)
	require.Equal(t, in, out)

	// Below the threshold the payload must be stored raw.
	require.False(t, header.Compressed)
	require.Equal(t, header.OriginalSize, header.CompressedSize)
	require.Equal(t, CurrentVersion, header.Version)
	require.NotZero(t, header.CreatedAt)
}

func TestSerializeRoundTripCompressed(t *testing.T) {
	in := payload{Name: strings.Repeat("overflow-", 200), Count: 42}

	blob, stats, err := Serialize(in)
	require.NoError(t, err)

	header, out, err := Deserialize[payload](blob)
	require.NoError(t, err)
	require.Equal(t, in, out)

	require.True(t, header.Compressed)
	require.Less(t, header.CompressedSize, header.OriginalSize)
	require.Less(t, stats.Ratio, 0.9)
}

func TestSerializeWithoutCompression(t *testing.T) {
	in := payload{Name: strings.Repeat("overflow-", 200)}

	blob, _, err := Serialize(in, WithoutCompression())
	require.NoError(t, err)

	header, out, err := Deserialize[payload](blob)
	require.NoError(t, err)
	require.Equal(t, in, out)
	require.False(t, header.Compressed)
}

func TestSerializeCompressionLevelOption(t *testing.T) {
	in := payload{Name: strings.Repeat("overflow-", 200)}

	fast, _, err := Serialize(in, WithCompressionLevel(1))
	require.NoError(t, err)

	best, _, err := Serialize(in, WithCompressionLevel(9))
	require.NoError(t, err)

	for _, blob := range [][]byte{fast, best} {
		_, out, err := Deserialize[payload](blob)
		require.NoError(t, err)
		require.Equal(t, in, out)
	}
}

func TestSerializeMetadata(t *testing.T) {
	md := map[string]string{"key": "user:123", "source": "manager"}

	blob, _, err := Serialize(payload{Name: "x"}, WithMetadata(md))
	require.NoError(t, err)

	header, ok := HeaderOf(blob)
	require.True(t, ok)
	require.Equal(t, md, header.Metadata)
}

func TestDeserializeCorruptionDetected(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts []Option
		in   payload
	}{
		{name: "uncompressed", opts: []Option{WithoutCompression()}, in: payload{Name: "small"}},
		{name: "compressed", in: payload{Name: strings.Repeat("overflow-", 200)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			blob, _, err := Serialize(tc.in, tc.opts...)
			require.NoError(t, err)

			header, ok := HeaderOf(blob)
			require.True(t, ok)
			payloadStart := len(blob) - int(header.CompressedSize)

			// Flip every payload byte in turn; all must be caught.
			for i := payloadStart; i < len(blob); i++ {
				corrupted := bytes.Clone(blob)
				corrupted[i] ^= 0xff

				_, _, err := Deserialize[payload](corrupted)
				require.ErrorIs(t, err, ErrChecksumMismatch, "byte %d", i)
			}
		})
	}
}

func TestDeserializeNotAContainer(t *testing.T) {
	for _, blob := range [][]byte{
		nil,
		{},
		[]byte("TOO"),
		[]byte("not a container at all"),
		bytes.Repeat([]byte{0xde, 0xad}, 64),
	} {
		_, _, err := Deserialize[payload](blob)
		require.Error(t, err)
		if len(blob) >= preambleSize {
			require.ErrorIs(t, err, ErrInvalidMagic)
		} else {
			require.ErrorIs(t, err, ErrTruncated)
		}

		_, ok := HeaderOf(blob)
		require.False(t, ok)
		require.False(t, IsContainer(blob))
	}
}

func TestDeserializeTruncatedPayload(t *testing.T) {
	blob, _, err := Serialize(payload{Name: strings.Repeat("overflow-", 200)})
	require.NoError(t, err)

	_, _, err = Deserialize[payload](blob[:len(blob)-4])
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDeserializeUnsupportedVersion(t *testing.T) {
	blob, _, err := Serialize(payload{Name: "v"})
	require.NoError(t, err)

	// Rewrite the header with a future version, keeping the layout intact.
	header, ok := HeaderOf(blob)
	require.True(t, ok)
	header.Version = CurrentVersion + 1

	stored := blob[len(blob)-int(header.CompressedSize):]
	rebuilt := rebuild(t, header, stored)

	_, _, err = Deserialize[payload](rebuilt)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDeserializeSyncRefusesCompressed(t *testing.T) {
	blob, _, err := Serialize(payload{Name: strings.Repeat("overflow-", 200)})
	require.NoError(t, err)

	header, ok := HeaderOf(blob)
	require.True(t, ok)
	require.True(t, header.Compressed)

	_, _, err = DeserializeSync[payload](blob)
	require.ErrorIs(t, err, ErrCompressedPayload)

	// The async path handles the same blob fine.
	_, out, err := Deserialize[payload](blob)
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("overflow-", 200), out.Name)
}

func TestDeserializeSyncUncompressed(t *testing.T) {
	in := payload{Name: "sync", Count: 7}
	blob, _, err := Serialize(in, WithoutCompression())
	require.NoError(t, err)

	_, out, err := DeserializeSync[payload](blob)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecompressionFailureDistinctFromCorruption(t *testing.T) {
	blob, _, err := Serialize(payload{Name: strings.Repeat("overflow-", 200)})
	require.NoError(t, err)

	header, ok := HeaderOf(blob)
	require.True(t, ok)
	require.True(t, header.Compressed)

	// Replace the payload with bytes of the declared length that checksum
	// cleanly but are not valid gzip. The header is rewritten to match.
	junk := bytes.Repeat([]byte{0x42}, int(header.CompressedSize))
	rebuilt := rebuild(t, header, junk)

	_, _, err = Deserialize[payload](rebuilt)
	require.ErrorIs(t, err, ErrDecompression)
	require.NotErrorIs(t, err, ErrChecksumMismatch)
}

func TestHeaderOfDoesNotValidatePayload(t *testing.T) {
	blob, _, err := Serialize(payload{Name: "meta"}, WithMetadata(map[string]string{"k": "v"}))
	require.NoError(t, err)

	// Corrupt the last payload byte; header introspection must still work.
	blob[len(blob)-1] ^= 0xff

	header, ok := HeaderOf(blob)
	require.True(t, ok)
	require.Equal(t, "v", header.Metadata["k"])
}

func TestEstimateSize(t *testing.T) {
	in := payload{Name: "estimate", Count: 1}

	n, err := EstimateSize(in)
	require.NoError(t, err)

	blob, _, err := Serialize(in, WithoutCompression())
	require.NoError(t, err)

	header, ok := HeaderOf(blob)
	require.True(t, ok)
	require.Equal(t, int64(n), header.OriginalSize)
}

func TestIsContainer(t *testing.T) {
	blob, _, err := Serialize(payload{Name: "magic"})
	require.NoError(t, err)

	require.True(t, IsContainer(blob))
	require.False(t, IsContainer([]byte("NOPE....")))
	require.False(t, IsContainer(blob[:3]))
}

// rebuild reassembles a container blob from a (possibly modified) header and
// stored payload bytes, recomputing the checksum the way Serialize does.
func rebuild(t *testing.T, header *Header, stored []byte) []byte {
	t.Helper()

	h := *header
	h.CompressedSize = int64(len(stored))
	h.Checksum = adler32.Checksum(stored)

	headerBytes, err := json.Marshal(&h)
	require.NoError(t, err)

	blob := make([]byte, 0, preambleSize+len(headerBytes)+len(stored))
	blob = append(blob, Magic...)
	blob = binary.BigEndian.AppendUint32(blob, uint32(len(headerBytes)))
	blob = append(blob, headerBytes...)
	blob = append(blob, stored...)
	return blob
}
