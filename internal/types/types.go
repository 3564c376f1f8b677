// Package types defines identifiers shared by the storage and tracing
// packages.
//
// An ImageID is the blake3 digest of an image's raw ELF bytes, printed in
// base58 the way content hashes are usually shown on the command line.
package types

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// ImageIDSize is the size of an ImageID in bytes.
const ImageIDSize = 32

var (
	// ErrInvalidImageID is returned when an image ID has invalid length.
	ErrInvalidImageID = errors.New("invalid image id: must be 32 bytes")
)

// ImageID identifies a stored image by content.
type ImageID [ImageIDSize]byte

// ComputeImageID returns the ID of an image's raw bytes.
func ComputeImageID(data []byte) ImageID {
	return blake3.Sum256(data)
}

// ImageIDFromBase58 parses a base58-encoded image ID.
func ImageIDFromBase58(s string) (ImageID, error) {
	var id ImageID
	data, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("base58 decode: %w", err)
	}
	return ImageIDFromBytes(data)
}

// ImageIDFromBytes creates an ImageID from a byte slice.
func ImageIDFromBytes(b []byte) (ImageID, error) {
	var id ImageID
	if len(b) != ImageIDSize {
		return id, ErrInvalidImageID
	}
	copy(id[:], b)
	return id, nil
}

// String returns the base58-encoded representation.
func (id ImageID) String() string {
	return base58.Encode(id[:])
}

// Short returns the first eight characters of String, for tables.
func (id ImageID) Short() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// IsZero returns true if the ID is all zeros.
func (id ImageID) IsZero() bool {
	return id == ImageID{}
}

// Bytes returns the ID as a byte slice.
func (id ImageID) Bytes() []byte {
	return id[:]
}

// MarshalText implements encoding.TextMarshaler.
func (id ImageID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ImageID) UnmarshalText(text []byte) error {
	parsed, err := ImageIDFromBase58(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
