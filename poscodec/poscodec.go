package poscodec

import (
	"encoding/binary"
	"errors"
)

// ErrCorrupt is returned when encoded position-list data is truncated or
// otherwise structurally invalid.
var ErrCorrupt = errors.New("poscodec: corrupt position list")

// Encode packs a strictly ascending sequence of positions into the
// on-disk representation described in §4.5:
//
//   - a packed-uint header holding the final position;
//   - for n == 1, that header is the entire encoding;
//   - otherwise a byte-aligned bit stream encoding p0, n-2, and the
//     interior elements via binary interpolative coding.
//
// positions must be strictly increasing and non-empty; callers (the
// document staging path) never hand this an empty slice, since §4.5 leaves
// empty position lists unrepresented ("empty positions mean 'no entry
// stored'").
func Encode(positions []uint32) []byte {
	n := len(positions)
	last := positions[n-1]

	header := appendUvarint(nil, uint64(last))
	if n == 1 {
		return header
	}

	w := NewBitWriter(header)
	first := positions[0]
	w.Encode(first, last)
	w.Encode(uint32(n-2), last-first)
	encodeInterpolative(w, positions, 0, n-1)
	return w.Freeze()
}

// encodeInterpolative recursively encodes the open interval
// (lo, hi) of positions, given that positions[lo] and positions[hi] are
// already known to the decoder (either from the header or a previous
// recursive step).
func encodeInterpolative(w *BitWriter, pos []uint32, lo, hi int) {
	if hi-lo < 2 {
		return
	}
	mid := (lo + hi) / 2

	// pos[mid] must leave room for (mid-lo) strictly increasing values
	// below it and (hi-mid) strictly increasing values above it.
	lowBound := pos[lo] + uint32(mid-lo)
	highBound := pos[hi] - uint32(hi-mid)

	w.Encode(pos[mid]-lowBound, highBound-lowBound)
	encodeInterpolative(w, pos, lo, mid)
	encodeInterpolative(w, pos, mid, hi)
}

// Decode reverses Encode.
func Decode(data []byte) ([]uint32, error) {
	last, headerLen, err := readHeader(data)
	if err != nil {
		return nil, err
	}
	if headerLen == len(data) {
		return []uint32{last}, nil
	}

	r := NewBitReader(data, headerLen)
	first, ok := r.Decode(last)
	if !ok {
		return nil, ErrCorrupt
	}
	sizeMinus2, ok := r.Decode(last - first)
	if !ok {
		return nil, ErrCorrupt
	}
	n := int(sizeMinus2) + 2

	out := make([]uint32, n)
	out[0] = first
	out[n-1] = last
	if err := decodeInterpolative(r, out, 0, n-1); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeInterpolative(r *BitReader, out []uint32, lo, hi int) error {
	if hi-lo < 2 {
		return nil
	}
	mid := (lo + hi) / 2
	lowBound := out[lo] + uint32(mid-lo)
	highBound := out[hi] - uint32(hi-mid)

	v, ok := r.Decode(highBound - lowBound)
	if !ok {
		return ErrCorrupt
	}
	out[mid] = lowBound + v
	if err := decodeInterpolative(r, out, lo, mid); err != nil {
		return err
	}
	return decodeInterpolative(r, out, mid, hi)
}

// Count returns len(positions) without reconstructing the interior
// elements, per §4.5's "count" fast path.
func Count(data []byte) (int, error) {
	last, headerLen, err := readHeader(data)
	if err != nil {
		return 0, err
	}
	if headerLen == len(data) {
		return 1, nil
	}
	r := NewBitReader(data, headerLen)
	first, ok := r.Decode(last)
	if !ok {
		return 0, ErrCorrupt
	}
	sizeMinus2, ok := r.Decode(last - first)
	if !ok {
		return 0, ErrCorrupt
	}
	return int(sizeMinus2) + 2, nil
}

func readHeader(data []byte) (last uint32, headerLen int, err error) {
	v, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, 0, ErrCorrupt
	}
	return uint32(v), n, nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}
