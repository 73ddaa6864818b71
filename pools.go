package chert

import "sync"

// keyBytesPool and valueBytesPool back the scratch buffers used to build
// position-list keys and encoded posting values during a flush, so a
// large AddDocument batch doesn't churn the allocator once per posting.
var keyBytesPool = &sync.Pool{
	New: func() any { return make([]byte, 0, 256) },
}

var valueBytesPool = &sync.Pool{
	New: func() any { return make([]byte, 0, 4096) },
}

func getKeyBuf() []byte { return keyBytesPool.Get().([]byte)[:0] }
func putKeyBuf(b []byte) { keyBytesPool.Put(b[:0]) } //nolint:staticcheck

func getValueBuf() []byte  { return valueBytesPool.Get().([]byte)[:0] }
func putValueBuf(b []byte) { valueBytesPool.Put(b[:0]) } //nolint:staticcheck
