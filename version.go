package chert

import (
	"os"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

const versionFileName = "iamchert"
const versionMagic = "CHERTDB1"

// versionBody is the msgpack-encoded payload that follows the fixed magic
// prefix in the version file. The UUID identifies one database's lifetime;
// a replica compares it to detect that its primary was recreated from
// scratch (§4.6 "if uuid unchanged ... else ... restart").
type versionBody struct {
	UUID [16]byte
}

// VersionFile is the format marker persisted at <dir>/iamchert (§6). A
// database is only considered openable once this file parses and its magic
// matches; a mismatch is always a CorruptError, never a soft failure.
type VersionFile struct {
	dir  string
	uuid uuid.UUID
	read bool
}

func newVersionFile(dir string) *VersionFile {
	return &VersionFile{dir: dir}
}

func (vf *VersionFile) path() string { return vf.dir + "/" + versionFileName }

// CreateAndWrite materializes a fresh version file with a new random UUID.
// Called once, when the database directory is first created.
func (vf *VersionFile) CreateAndWrite() error {
	id, err := uuid.NewRandom()
	if err != nil {
		return err
	}
	body, err := msgpack.Marshal(&versionBody{UUID: id})
	if err != nil {
		return err
	}
	buf := append([]byte(versionMagic), body...)
	if err := os.WriteFile(vf.path(), buf, 0o666); err != nil {
		return &CreateError{Dir: vf.dir, Err: err}
	}
	vf.uuid = id
	vf.read = true
	return nil
}

// ReadAndCheck reads the version file if it hasn't been read yet, verifies
// the magic prefix, and decodes the UUID.
func (vf *VersionFile) ReadAndCheck() error {
	if vf.read {
		return nil
	}
	raw, err := os.ReadFile(vf.path())
	if err != nil {
		return &OpeningError{Dir: vf.dir, Msg: "version file missing", Err: err}
	}
	if len(raw) < len(versionMagic) || string(raw[:len(versionMagic)]) != versionMagic {
		return corruptErrf(nil, "version file magic mismatch in %s", vf.dir)
	}
	var body versionBody
	if err := msgpack.Unmarshal(raw[len(versionMagic):], &body); err != nil {
		return corruptErrf(err, "version file body corrupt in %s", vf.dir)
	}
	vf.uuid = body.UUID
	vf.read = true
	return nil
}

func (vf *VersionFile) UUID() uuid.UUID { return vf.uuid }

// Exists reports whether the version file is present on disk.
func (vf *VersionFile) Exists() bool {
	_, err := os.Stat(vf.path())
	return err == nil
}
