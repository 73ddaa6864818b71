package chert

import "encoding/hex"

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

// inc increments data as a big-endian byte string in place, returning false
// on overflow (all 0xFF). Used to turn a key prefix into an exclusive upper
// bound for a cursor range scan.
func inc(data []byte) bool {
	n := len(data)
	for i := n - 1; i >= 0; i-- {
		if data[i] != 0xFF {
			for j := i; j < n; j++ {
				data[j]++
			}
			return true
		}
	}
	return false
}

func dec(data []byte) bool {
	n := len(data)
	for i := n - 1; i >= 0; i-- {
		if data[i] != 0 {
			for j := i; j < n; j++ {
				data[j]--
			}
			return true
		}
	}
	return false
}

// seekLast returns the last key/value with the given prefix, or (nil, nil)
// if none exists.
func seekLast(c storageCursor, prefix []byte) ([]byte, []byte) {
	if len(prefix) == 0 {
		return c.Last()
	}
	limit := append([]byte(nil), prefix...)
	if inc(limit) {
		k, _ := c.Seek(limit)
		if k == nil {
			return c.Last()
		}
		return c.Prev()
	}
	// All-0xFF prefix: fall back to linear scan.
	k, _ := c.Seek(prefix)
	for k != nil && hasPrefix(k, prefix) {
		k, _ = c.Next()
	}
	if k == nil {
		return c.Last()
	}
	return c.Prev()
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

type hexBytes []byte

func (b hexBytes) String() string { return hex.EncodeToString(b) }

func hexstr(b []byte) string {
	if b == nil {
		return "<nil>"
	}
	if len(b) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString(b)
}

func containsBytes(list [][]byte, v []byte) bool {
	for _, b := range list {
		if hasPrefix(b, v) && len(b) == len(v) {
			return true
		}
	}
	return false
}
