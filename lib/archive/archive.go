// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/hostsensor/lib/codec"
)

// FormatVersion is the archive layout written by this package.
const FormatVersion = 1

// MaxBodySize bounds the decoded body Read accepts.
const MaxBodySize = 256 << 20

// magic starts every archive file.
var magic = [4]byte{'H', 'S', 'A', 'R'}

// headerSize is magic, version, compression, reserved padding, body
// size, stored size, and the digest.
const headerSize = 4 + 1 + 1 + 2 + 8 + 8 + 32

var (
	// ErrNotArchive is returned when the magic bytes do not match.
	ErrNotArchive = errors.New("archive: not an archive file")

	// ErrDigestMismatch is returned when the body does not hash to
	// the digest in the header.
	ErrDigestMismatch = errors.New("archive: digest mismatch")
)

// Record is one records reply as received by a client.
type Record struct {
	Kind   string   `cbor:"kind"`
	UUID   string   `cbor:"uuid"`
	Fields []string `cbor:"fields"`
	Raw    []byte   `cbor:"raw,omitempty"`
}

// Session is one drained records session.
type Session struct {
	ProbeID   string    `cbor:"probe_id"`
	ProbeUUID string    `cbor:"probe_uuid"`
	Socket    string    `cbor:"socket"`
	Captured  time.Time `cbor:"captured"`
	Release   string    `cbor:"release,omitempty"`
	Records   []Record  `cbor:"records"`
}

// Header describes an archive file's body.
type Header struct {
	Version     uint8
	Compression Compression
	// BodySize is the size of the CBOR body before compression.
	BodySize uint64
	// StoredSize is the size of the body as stored.
	StoredSize uint64
	// Digest is the BLAKE3 hash of the uncompressed body.
	Digest [32]byte
}

// Encode writes session to w. When the body does not shrink under the
// requested compression it is stored uncompressed, and the returned
// header says so.
func Encode(w io.Writer, session *Session, compression Compression) (Header, error) {
	body, err := codec.Marshal(session)
	if err != nil {
		return Header{}, fmt.Errorf("encoding session: %w", err)
	}
	stored, err := compress(body, compression)
	if errors.Is(err, errIncompressible) {
		stored, compression = body, CompressionNone
	} else if err != nil {
		return Header{}, err
	}

	header := Header{
		Version:     FormatVersion,
		Compression: compression,
		BodySize:    uint64(len(body)),
		StoredSize:  uint64(len(stored)),
		Digest:      blake3.Sum256(body),
	}
	if _, err := w.Write(header.marshal()); err != nil {
		return Header{}, fmt.Errorf("writing header: %w", err)
	}
	if _, err := w.Write(stored); err != nil {
		return Header{}, fmt.Errorf("writing body: %w", err)
	}
	return header, nil
}

// Decode reads an archive from r and verifies its digest.
func Decode(r io.Reader) (*Session, Header, error) {
	body, header, err := DecodeBody(r)
	if err != nil {
		return nil, header, err
	}
	var session Session
	if err := codec.Unmarshal(body, &session); err != nil {
		return nil, header, fmt.Errorf("decoding session: %w", err)
	}
	return &session, header, nil
}

// DecodeBody reads an archive from r, verifies its digest, and returns
// the uncompressed CBOR body without decoding it.
func DecodeBody(r io.Reader) ([]byte, Header, error) {
	buffer := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buffer); err != nil {
		return nil, Header{}, fmt.Errorf("reading header: %w", err)
	}
	header, err := unmarshalHeader(buffer)
	if err != nil {
		return nil, Header{}, err
	}
	if header.BodySize > MaxBodySize || header.StoredSize > MaxBodySize {
		return nil, header, fmt.Errorf("archive body of %d bytes exceeds %d", max(header.BodySize, header.StoredSize), MaxBodySize)
	}

	stored := make([]byte, header.StoredSize)
	if _, err := io.ReadFull(r, stored); err != nil {
		return nil, header, fmt.Errorf("reading body: %w", err)
	}
	body, err := decompress(stored, header.Compression, int(header.BodySize))
	if err != nil {
		return nil, header, err
	}
	if blake3.Sum256(body) != header.Digest {
		return nil, header, ErrDigestMismatch
	}
	return body, header, nil
}

// WriteFile writes session to path atomically: the archive is written
// to a temporary file in the same directory, synced, and renamed.
func WriteFile(path string, session *Session, compression Compression) (Header, error) {
	directory := filepath.Dir(path)
	temporary, err := os.CreateTemp(directory, ".archive-*")
	if err != nil {
		return Header{}, fmt.Errorf("creating temporary file in %s: %w", directory, err)
	}
	temporaryPath := temporary.Name()
	defer os.Remove(temporaryPath)

	header, err := Encode(temporary, session, compression)
	if err != nil {
		temporary.Close()
		return Header{}, err
	}
	if err := temporary.Sync(); err != nil {
		temporary.Close()
		return Header{}, fmt.Errorf("syncing %s: %w", temporaryPath, err)
	}
	if err := temporary.Close(); err != nil {
		return Header{}, fmt.Errorf("closing %s: %w", temporaryPath, err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		return Header{}, fmt.Errorf("renaming archive into place: %w", err)
	}
	return header, nil
}

// ReadFile reads and verifies the archive at path.
func ReadFile(path string) (*Session, Header, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, Header{}, err
	}
	defer file.Close()
	session, header, err := Decode(file)
	if err != nil {
		return nil, header, fmt.Errorf("reading archive %s: %w", path, err)
	}
	return session, header, nil
}

// Diagnose returns the CBOR diagnostic notation of the verified body
// of the archive at path.
func Diagnose(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	body, _, err := DecodeBody(file)
	if err != nil {
		return "", fmt.Errorf("reading archive %s: %w", path, err)
	}
	return codec.Diagnose(body)
}

func (h Header) marshal() []byte {
	buffer := make([]byte, headerSize)
	copy(buffer, magic[:])
	buffer[4] = h.Version
	buffer[5] = byte(h.Compression)
	binary.LittleEndian.PutUint64(buffer[8:], h.BodySize)
	binary.LittleEndian.PutUint64(buffer[16:], h.StoredSize)
	copy(buffer[24:], h.Digest[:])
	return buffer
}

func unmarshalHeader(buffer []byte) (Header, error) {
	if !bytes.Equal(buffer[:4], magic[:]) {
		return Header{}, ErrNotArchive
	}
	header := Header{
		Version:     buffer[4],
		Compression: Compression(buffer[5]),
		BodySize:    binary.LittleEndian.Uint64(buffer[8:]),
		StoredSize:  binary.LittleEndian.Uint64(buffer[16:]),
	}
	copy(header.Digest[:], buffer[24:])
	if header.Version != FormatVersion {
		return header, fmt.Errorf("archive format version %d is not supported", header.Version)
	}
	return header, nil
}
