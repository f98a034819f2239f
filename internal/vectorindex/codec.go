package vectorindex

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

const (
	blobMagic   = "KNIX"
	blobVersion = 1
)

// blobHeader precedes every backend payload inside the zstd stream.
type blobHeader struct {
	Magic   string
	Version int
	Kind    Kind
	Dim     int
}

// encodeBlob writes header and payload as gob through a zstd stream.
func encodeBlob(w io.Writer, kind Kind, dim int, payload any) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	enc := gob.NewEncoder(zw)
	if err := enc.Encode(blobHeader{Magic: blobMagic, Version: blobVersion, Kind: kind, Dim: dim}); err != nil {
		zw.Close()
		return fmt.Errorf("encode %s header: %w", kind, err)
	}
	if err := enc.Encode(payload); err != nil {
		zw.Close()
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return zw.Close()
}

// decodeBlob reads a blob written for kind into payload and returns the
// recorded dimension. A blob of another kind or format version is an
// IndexError of kind VersionMismatch.
func decodeBlob(r io.Reader, kind Kind, payload any) (int, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, &IndexError{Kind: VersionMismatch, Backend: kind, Err: err}
	}
	defer zr.Close()

	dec := gob.NewDecoder(zr)
	var h blobHeader
	if err := dec.Decode(&h); err != nil {
		return 0, &IndexError{Kind: VersionMismatch, Backend: kind, Err: fmt.Errorf("decode header: %w", err)}
	}
	if h.Magic != blobMagic || h.Version != blobVersion {
		return 0, &IndexError{Kind: VersionMismatch, Backend: kind, Err: fmt.Errorf("blob format %q v%d", h.Magic, h.Version)}
	}
	if h.Kind != kind {
		return 0, &IndexError{Kind: VersionMismatch, Backend: kind, Err: fmt.Errorf("blob holds %s backend", h.Kind)}
	}
	if err := dec.Decode(payload); err != nil {
		return 0, &IndexError{Kind: VersionMismatch, Backend: kind, Err: fmt.Errorf("decode payload: %w", err)}
	}
	return h.Dim, nil
}

// PeekKind returns the backend kind and dimension recorded in a blob.
func PeekKind(blob []byte) (Kind, int, error) {
	zr, err := zstd.NewReader(bytes.NewReader(blob))
	if err != nil {
		return "", 0, &IndexError{Kind: VersionMismatch, Err: err}
	}
	defer zr.Close()
	var h blobHeader
	if err := gob.NewDecoder(zr).Decode(&h); err != nil {
		return "", 0, &IndexError{Kind: VersionMismatch, Err: fmt.Errorf("decode header: %w", err)}
	}
	if h.Magic != blobMagic || h.Version != blobVersion || !h.Kind.Valid() {
		return "", 0, &IndexError{Kind: VersionMismatch, Backend: h.Kind, Err: fmt.Errorf("blob format %q v%d", h.Magic, h.Version)}
	}
	return h.Kind, h.Dim, nil
}

// Load restores an index from a blob using the selector's probe and
// parameters.
func Load(s Selector, blob []byte) (Index, error) {
	kind, dim, err := PeekKind(blob)
	if err != nil {
		return nil, err
	}
	idx, err := s.Restore(kind, dim)
	if err != nil {
		return nil, err
	}
	if err := idx.Decode(bytes.NewReader(blob)); err != nil {
		return nil, err
	}
	return idx, nil
}

// vectorRecord is the gob form of one stored vector.
type vectorRecord struct {
	Slot   uint32
	Vector []float32
}
