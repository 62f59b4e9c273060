package ipasim

import (
	"encoding/binary"
	"unsafe"
)

// WrapperIndex is the data structure a wrapper DLL exports under the
// mangled name "?Idx@@3UWrapperIndex@@A": a map from guest RVA to the
// index of the dylib path (in Libs) that handles calls at that RVA.
type WrapperIndex struct {
	RVAToLib map[uint32]int
	Libs     []string
}

const wrapperIndexSymbol = "?Idx@@3UWrapperIndex@@A"

// wrapperIndex looks up and lazily parses a wrapper DLL's WrapperIndex,
// caching the result on the LibraryEntry.
func (d *Dispatcher) wrapperIndex(wrapperLib *LibraryEntry) (*WrapperIndex, error) {
	if wrapperLib.WrapperIndex != nil {
		return wrapperLib.WrapperIndex, nil
	}
	addr, ok := resolveHostExport(wrapperLib, wrapperIndexSymbol)
	if !ok {
		return nil, newErr(ErrMissingWrapperEntry, "%s: no %s export", wrapperLib.Path, wrapperIndexSymbol)
	}
	idx, err := readWrapperIndex(addr)
	if err != nil {
		return nil, newErr(ErrMissingWrapperEntry, "%s: %v", wrapperLib.Path, err)
	}
	wrapperLib.WrapperIndex = idx
	return idx, nil
}

// readWrapperIndex decodes the WrapperIndex record in place, directly
// out of the wrapper DLL's own loaded image (it is host, not guest,
// memory, so it is read through a plain Go slice rather than through
// the engine). The layout is the consumer side of the contract the
// offline wrapper generator produces: a uint32 pair count, that many
// (rva uint32, libIndex int32) pairs, a uint32 string count, and that
// many (pointer uintptr, length uint32) string views.
func readWrapperIndex(addr uint64) (*WrapperIndex, error) {
	cursor := uintptr(addr)

	pairCount := readU32(cursor)
	cursor += 4
	rvaToLib := make(map[uint32]int, pairCount)
	for i := uint32(0); i < pairCount; i++ {
		rva := readU32(cursor)
		cursor += 4
		lib := int(int32(readU32(cursor)))
		cursor += 4
		rvaToLib[rva] = lib
	}

	strCount := readU32(cursor)
	cursor += 4
	libs := make([]string, strCount)
	for i := uint32(0); i < strCount; i++ {
		ptr := readPtr(cursor)
		cursor += unsafe.Sizeof(ptr)
		length := readU32(cursor)
		cursor += 4
		libs[i] = readString(ptr, length)
	}

	return &WrapperIndex{RVAToLib: rvaToLib, Libs: libs}, nil
}

func readU32(addr uintptr) uint32 {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), 4)
	return binary.LittleEndian.Uint32(b)
}

func readPtr(addr uintptr) uintptr {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), unsafe.Sizeof(uintptr(0)))
	var v uintptr
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uintptr(b[i])
	}
	return v
}

func readString(addr uintptr, length uint32) string {
	if addr == 0 || length == 0 {
		return ""
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
	return string(b)
}
