package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
)

var (
	// MagicBytes is the 4-byte prefix for framed cache entry files.
	MagicBytes = []byte("SCE1")

	// ErrInvalidMagic is returned when a file doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected SCE1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")

	// ErrBodyTooLarge is returned when a decompressed body exceeds MaxBodySize.
	ErrBodyTooLarge = errors.New("decompressed body exceeds maximum size")
)

const (
	// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
	MaxHeaderSize = 64 * 1024

	// MaxBodySize is the hard cap during decompression to prevent compression bombs.
	MaxBodySize = 256 * 1024 * 1024

	// CompressionThreshold is the minimum body size before compression is
	// considered. zstd overhead is not worth it for smaller payloads.
	CompressionThreshold = 2048
)

// Body encodings used in EntryHeader.Encoding.
const (
	EncodingIdentity = "identity"
	EncodingZstd     = "zstd"
)

// EntryHeader contains metadata for a framed cache entry.
// ContentHash and ContentLength describe the uncompressed body.
type EntryHeader struct {
	URL           string    `json:"url"`
	StatusCode    int       `json:"status_code"`
	ContentType   string    `json:"content_type"`
	ContentLength int64     `json:"content_length"`
	ContentHash   string    `json:"content_hash"`
	StoredAt      time.Time `json:"stored_at"`
	Encoding      string    `json:"encoding"`
}

// EntryCodec encodes and decodes framed cache entries with optional
// zstd body compression. Safe for concurrent use.
type EntryCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewEntryCodec creates a codec with pooled zstd encoder/decoder.
func NewEntryCodec() (*EntryCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &EntryCodec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *EntryCodec) Close() {
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode writes a framed entry to the writer.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | BODYBYTES
// The body is zstd-compressed when it is large enough and compression
// actually shrinks it; the header's Encoding field records the outcome.
func (c *EntryCodec) Encode(w io.Writer, header *EntryHeader, body []byte) error {
	encoded := body
	header.Encoding = EncodingIdentity
	if len(body) >= CompressionThreshold {
		compressed := c.encoder.EncodeAll(body, nil)
		if len(compressed) < len(body) {
			encoded = compressed
			header.Encoding = EncodingZstd
		}
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}

	headerLen := len(headerBytes)
	if headerLen > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	if _, err := w.Write(MagicBytes); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(headerLen)); err != nil { //nolint:gosec // headerLen is bounds-checked above
		return fmt.Errorf("writing header length: %w", err)
	}

	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	if _, err := w.Write(encoded); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}

	return nil
}

// Decode reads a framed entry from the reader.
// Returns the parsed header and the uncompressed body.
func (c *EntryCodec) Decode(r io.Reader) (*EntryHeader, []byte, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("reading header length: %w", err)
	}

	if headerLen > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var header EntryHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}

	encoded, err := io.ReadAll(io.LimitReader(r, MaxBodySize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(encoded)) > MaxBodySize {
		return nil, nil, ErrBodyTooLarge
	}

	body := encoded
	if header.Encoding == EncodingZstd {
		body, err = c.decoder.DecodeAll(encoded, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("decompressing body: %w", err)
		}
		if int64(len(body)) > MaxBodySize {
			return nil, nil, ErrBodyTooLarge
		}
	}

	return &header, body, nil
}
