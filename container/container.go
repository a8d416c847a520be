// Package container implements the self-describing binary envelope used to
// persist cache payloads: a magic preamble, a length-prefixed JSON header and
// the (optionally gzip-compressed) canonical payload, with an adler32
// checksum over the stored bytes for corruption detection before decode.
//
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | PAYLOAD
package container

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/adler32"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
)

var (
	// Magic is the 4-byte prefix identifying a container blob.
	Magic = []byte("TOON")

	// ErrInvalidMagic is returned when a blob doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("container: invalid magic bytes")

	// ErrTruncated is returned when a blob is shorter than its header declares.
	ErrTruncated = errors.New("container: truncated blob")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("container: header exceeds maximum size")

	// ErrUnsupportedVersion is returned when the blob's format version is
	// newer than this reader understands.
	ErrUnsupportedVersion = errors.New("container: unsupported format version")

	// ErrChecksumMismatch is returned when the stored payload bytes fail
	// checksum verification. The data is considered corrupted and is never
	// decoded further.
	ErrChecksumMismatch = errors.New("container: checksum mismatch")

	// ErrDecompression is returned when a compressed payload passes checksum
	// verification but fails to inflate (e.g. a truncated write of otherwise
	// intact bytes).
	ErrDecompression = errors.New("container: decompression failed")

	// ErrCompressedPayload is returned by DeserializeSync for compressed
	// blobs; callers must use Deserialize for those.
	ErrCompressedPayload = errors.New("container: compressed payload requires Deserialize")

	// ErrDecompressionBomb is returned when the inflated payload exceeds MaxDecompressedSize.
	ErrDecompressionBomb = errors.New("container: decompressed payload exceeds maximum size")
)

const (
	// CurrentVersion is the container format revision written by this package.
	// Readers reject blobs with a higher version.
	CurrentVersion = 1

	// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
	MaxHeaderSize = 64 * 1024

	// MaxDecompressedSize is the hard cap during decompression to prevent
	// compression bombs.
	MaxDecompressedSize = 64 * 1024 * 1024

	// CompressionThreshold is the minimum payload size before compression is
	// attempted. Gzip overhead is not worth it for smaller payloads.
	CompressionThreshold = 256

	// DefaultCompressionLevel is the gzip level used unless overridden.
	DefaultCompressionLevel = 6

	// preambleSize is magic plus the big-endian uint32 header length.
	preambleSize = 8
)

// compressionGain is the maximum stored/original ratio at which compressed
// bytes are adopted; anything less effective falls back to the raw payload.
const compressionGain = 0.9

// Header describes a container blob. It round-trips through JSON behind a
// length prefix so readers can introspect blobs without touching the payload.
type Header struct {
	Version        int               `json:"version"`
	Compressed     bool              `json:"compressed"`
	OriginalSize   int64             `json:"original_size"`
	CompressedSize int64             `json:"compressed_size"`
	Checksum       uint32            `json:"checksum"`
	CreatedAt      int64             `json:"created_at"` // epoch millis
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// SerializeStats reports size and timing information for a Serialize call.
type SerializeStats struct {
	OriginalSize int
	StoredSize   int
	Ratio        float64
	Compressed   bool
	Elapsed      time.Duration
}

type options struct {
	compress bool
	level    int
	metadata map[string]string
}

// Option configures Serialize.
type Option func(*options)

// WithoutCompression disables payload compression.
func WithoutCompression() Option {
	return func(o *options) { o.compress = false }
}

// WithCompressionLevel sets the gzip level (gzip.BestSpeed..gzip.BestCompression).
func WithCompressionLevel(level int) Option {
	return func(o *options) { o.level = level }
}

// WithMetadata attaches free-form key/value metadata to the header. The
// format carries it alongside the payload but never interprets it.
func WithMetadata(md map[string]string) Option {
	return func(o *options) { o.metadata = md }
}

// Serialize encodes v into a container blob. Payloads above
// CompressionThreshold are gzip-compressed when that is enabled and actually
// pays off; compression failures fall back to the raw payload rather than
// erroring. The input is never mutated.
func Serialize[T any](v T, opts ...Option) ([]byte, *SerializeStats, error) {
	start := time.Now()

	o := options{compress: true, level: DefaultCompressionLevel}
	for _, opt := range opts {
		opt(&o)
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("container: encoding payload: %w", err)
	}

	stored := payload
	compressed := false
	if o.compress && len(payload) > CompressionThreshold {
		if gz, err := compress(payload, o.level); err == nil && float64(len(gz)) < compressionGain*float64(len(payload)) {
			stored = gz
			compressed = true
		}
	}

	header := Header{
		Version:        CurrentVersion,
		Compressed:     compressed,
		OriginalSize:   int64(len(payload)),
		CompressedSize: int64(len(stored)),
		Checksum:       adler32.Checksum(stored),
		CreatedAt:      time.Now().UnixMilli(),
		Metadata:       o.metadata,
	}

	headerBytes, err := json.Marshal(&header)
	if err != nil {
		return nil, nil, fmt.Errorf("container: encoding header: %w", err)
	}
	if len(headerBytes) > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	blob := make([]byte, 0, preambleSize+len(headerBytes)+len(stored))
	blob = append(blob, Magic...)
	blob = binary.BigEndian.AppendUint32(blob, uint32(len(headerBytes)))
	blob = append(blob, headerBytes...)
	blob = append(blob, stored...)

	stats := &SerializeStats{
		OriginalSize: len(payload),
		StoredSize:   len(blob),
		Ratio:        float64(len(stored)) / float64(max(len(payload), 1)),
		Compressed:   compressed,
		Elapsed:      time.Since(start),
	}
	return blob, stats, nil
}

// Deserialize decodes a container blob back into a value of type T. The
// payload checksum is verified before any decompression so corruption is
// reported as ErrChecksumMismatch rather than a confusing inflate failure.
func Deserialize[T any](blob []byte) (*Header, T, error) {
	var zero T

	header, payload, err := split(blob)
	if err != nil {
		return nil, zero, err
	}

	if got := adler32.Checksum(payload); got != header.Checksum {
		return nil, zero, fmt.Errorf("%w: expected %08x, got %08x", ErrChecksumMismatch, header.Checksum, got)
	}

	if header.Compressed {
		payload, err = decompress(payload)
		if err != nil {
			return nil, zero, err
		}
	}

	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, zero, fmt.Errorf("container: decoding payload: %w", err)
	}
	return header, v, nil
}

// DeserializeSync is the synchronous variant for uncompressed blobs only. It
// refuses compressed payloads with ErrCompressedPayload; callers must use
// Deserialize for those. The split is deliberate: inflating on the caller's
// critical path is never implicit.
func DeserializeSync[T any](blob []byte) (*Header, T, error) {
	var zero T

	header, payload, err := split(blob)
	if err != nil {
		return nil, zero, err
	}
	if header.Compressed {
		return nil, zero, ErrCompressedPayload
	}

	if got := adler32.Checksum(payload); got != header.Checksum {
		return nil, zero, fmt.Errorf("%w: expected %08x, got %08x", ErrChecksumMismatch, header.Checksum, got)
	}

	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, zero, fmt.Errorf("container: decoding payload: %w", err)
	}
	return header, v, nil
}

// IsContainer reports whether blob starts with the container magic bytes.
// It is a cheap preamble check only; the blob may still be corrupt.
func IsContainer(blob []byte) bool {
	return len(blob) >= len(Magic) && bytes.Equal(blob[:len(Magic)], Magic)
}

// HeaderOf parses just the header of a container blob without validating the
// payload checksum or decompressing. It returns false for anything that is
// not a well-formed container preamble instead of an error.
func HeaderOf(blob []byte) (*Header, bool) {
	header, _, err := split(blob)
	if err != nil {
		return nil, false
	}
	return header, true
}

// EstimateSize returns the canonical-encoding byte length of v without
// building a container. The cache tiers use it for budget accounting without
// paying compression cost.
func EstimateSize(v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("container: encoding payload: %w", err)
	}
	return len(data), nil
}

// split validates the preamble and header and returns the header plus exactly
// CompressedSize payload bytes.
func split(blob []byte) (*Header, []byte, error) {
	if len(blob) < preambleSize {
		return nil, nil, ErrTruncated
	}
	if !bytes.Equal(blob[:len(Magic)], Magic) {
		return nil, nil, ErrInvalidMagic
	}

	headerLen := binary.BigEndian.Uint32(blob[len(Magic):preambleSize])
	if headerLen > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}
	if uint64(len(blob)) < preambleSize+uint64(headerLen) {
		return nil, nil, ErrTruncated
	}

	var header Header
	if err := json.Unmarshal(blob[preambleSize:preambleSize+headerLen], &header); err != nil {
		return nil, nil, fmt.Errorf("container: parsing header: %w", err)
	}
	if header.Version > CurrentVersion {
		return nil, nil, fmt.Errorf("%w: %d (max %d)", ErrUnsupportedVersion, header.Version, CurrentVersion)
	}
	if header.CompressedSize < 0 {
		return nil, nil, fmt.Errorf("container: parsing header: negative payload size")
	}

	rest := blob[preambleSize+headerLen:]
	if int64(len(rest)) < header.CompressedSize {
		return nil, nil, ErrTruncated
	}
	return &header, rest[:header.CompressedSize], nil
}

func compress(data []byte, level int) ([]byte, error) {
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		level = DefaultCompressionLevel
	}
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	defer func() { _ = r.Close() }()

	out, err := io.ReadAll(io.LimitReader(r, MaxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	if len(out) > MaxDecompressedSize {
		return nil, ErrDecompressionBomb
	}
	return out, nil
}
