package changeset

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// ReadChanges replays every record from the changeset file(s) found under
// dir with the given file-name prefix/suffix, stopping at the first record
// in a file that fails to decode in full. That stopping rule doubles as the
// reader's crash-recovery policy: a file left truncated by a crash between
// New and Commit simply yields however many whole records it managed to
// write, rather than erroring.
//
// The naming scheme (§4.6) means prefix alone pins an exact start revision,
// so in practice at most one file ever matches; the loop over matches
// exists only so a looser prefix can still be used to scan a range.
func ReadChanges(dir, prefix, suffix string, revisionInvariant [4]byte) ([][]byte, error) {
	names, err := fileNames(dir, prefix, suffix)
	if err != nil {
		return nil, err
	}

	var out [][]byte
	for _, name := range names {
		recs, err := readChangesetFile(filepath.Join(dir, name), revisionInvariant)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func readChangesetFile(path string, revisionInvariant [4]byte) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var h fileHeader
	if err := readFileHeader(f, &h, revisionInvariant); err != nil {
		if err == errCorruptedFile || err == ErrIncompatible || err == ErrUnsupportedVersion {
			return nil, nil // nothing usable: truncated header, wrong lifetime, or unreadable version
		}
		return nil, err
	}

	// Re-hash the header and every record as it is read, so the checksum
	// trailer File.Commit writes after the last record is never taken for one.
	digest := xxhash.New()
	_ = binary.Write(digest, binary.LittleEndian, &h)

	var out [][]byte
	for {
		off, _ := f.Seek(0, io.SeekCurrent)
		var tr [9]byte
		if n, _ := f.ReadAt(tr[:], off); n == 8 && binary.LittleEndian.Uint64(tr[:8]) == digest.Sum64() {
			break
		}
		size, err := binary.ReadUvarint(byteReaderOf(f))
		if err != nil {
			break
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(f, data); err != nil {
			break
		}
		digest.Write(binary.AppendUvarint(nil, size))
		digest.Write(data)
		out = append(out, data)
	}
	return out, nil
}

// byteReaderOf adapts an *os.File to io.ByteReader without buffering, so
// binary.ReadUvarint reads exactly one byte at a time off the same file
// offset used by the surrounding io.ReadFull calls.
type fileByteReader struct{ f *os.File }

func (r fileByteReader) ReadByte() (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(r.f, b[:])
	return b[0], err
}

func byteReaderOf(f *os.File) fileByteReader { return fileByteReader{f} }
