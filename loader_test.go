package ipasim

import (
	"encoding/binary"
	"errors"
	"os"
	"testing"
)

func newTestLoader(t *testing.T) (*Loader, *Registry, Engine) {
	t.Helper()
	ok, err := Supported()
	if err != nil || !ok {
		t.Skipf("engine not supported on this host: %v", err)
	}

	eng, err := NewEngine()
	if err != nil {
		t.Fatalf("NewEngine(): %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	reg := NewRegistry()
	ldr := NewLoader(reg, eng, DefaultConfig())
	return ldr, reg, eng
}

func TestRegistryRejectsOverlap(t *testing.T) {
	_, reg, _ := newTestLoader(t)

	a := &LibraryEntry{Path: "a", StartAddress: 0x10000, Size: 0x2000}
	b := &LibraryEntry{Path: "b", StartAddress: 0x11000, Size: 0x1000} // overlaps a

	if err := reg.put(a); err != nil {
		t.Fatalf("put(a): %v", err)
	}
	if err := reg.put(b); err == nil {
		t.Error("expected an overlap error for b, got nil")
	}
}

func TestRegistryLookup(t *testing.T) {
	_, reg, _ := newTestLoader(t)

	a := &LibraryEntry{Path: "a", StartAddress: 0x10000, Size: 0x1000}
	b := &LibraryEntry{Path: "b", StartAddress: 0x20000, Size: 0x1000}
	if err := reg.put(a); err != nil {
		t.Fatal(err)
	}
	if err := reg.put(b); err != nil {
		t.Fatal(err)
	}

	if got := reg.Lookup(0x10500); got != a {
		t.Errorf("Lookup(0x10500) = %v, want a", got)
	}
	if got := reg.Lookup(0x20000); got != b {
		t.Errorf("Lookup(0x20000) = %v, want b", got)
	}
	if got := reg.Lookup(0x30000); got != nil {
		t.Errorf("Lookup(0x30000) = %v, want nil", got)
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	ldr, reg, _ := newTestLoader(t)

	resolved, _ := ResolvePath("/Frameworks/Fixture")
	want := &LibraryEntry{Path: resolved, Kind: GuestDylib, StartAddress: 0x40000, Size: pageSize}
	if err := reg.put(want); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	got, err := ldr.Load("/Frameworks/Fixture")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Errorf("Load returned %v, want the cached entry %v", got, want)
	}
}

func TestSymbolsOnlyCoversGuestDylibs(t *testing.T) {
	_, reg, _ := newTestLoader(t)

	host := &LibraryEntry{Path: "host", Kind: HostDLL, StartAddress: 0x60000, Size: pageSize}
	if err := reg.put(host); err != nil {
		t.Fatal(err)
	}
	if got := host.Symbols(); len(got) != 0 {
		t.Errorf("Symbols() on a host DLL = %v, want empty", got)
	}

	guest := &LibraryEntry{Path: "guest", Kind: GuestDylib, StartAddress: 0x70000, Size: pageSize}
	if got := guest.Symbols(); len(got) != 0 {
		t.Errorf("Symbols() on a guest dylib with no parsed Mach-O = %v, want empty", got)
	}
}

// machOHeader32 builds a minimal 32-bit Mach-O header with no load
// commands, enough for the loader's front-end checks to run.
func machOHeader32(cpu, filetype, flags uint32) []byte {
	hdr := make([]byte, 28)
	binary.LittleEndian.PutUint32(hdr[0:], 0xFEEDFACE) // MH_MAGIC
	binary.LittleEndian.PutUint32(hdr[4:], cpu)
	binary.LittleEndian.PutUint32(hdr[8:], 9) // CPU_SUBTYPE_ARM_V7
	binary.LittleEndian.PutUint32(hdr[12:], filetype)
	binary.LittleEndian.PutUint32(hdr[16:], 0) // ncmds
	binary.LittleEndian.PutUint32(hdr[20:], 0) // sizeofcmds
	binary.LittleEndian.PutUint32(hdr[24:], flags)
	return hdr
}

func TestLoadRejectsSplitSegs(t *testing.T) {
	ldr, _, _ := newTestLoader(t)

	const fixture = "ipasim_test_fixture_splitsegs.dylib"
	const cpuArm, mhDylib = 12, 6
	if err := os.WriteFile(fixture, machOHeader32(cpuArm, mhDylib, machOFlagSplitSegs), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	defer os.Remove(fixture)

	lib, err := ldr.Load(fixture)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if lib != nil {
		t.Fatalf("expected a nil library for a split-segs binary, got %v", lib)
	}

	errs := ldr.LastErrors()
	if len(errs) == 0 {
		t.Fatal("expected a recorded load error")
	}
	var ce *CoreError
	if !errors.As(errs[len(errs)-1], &ce) || ce.Code != ErrUnsupportedHeaderFlag {
		t.Errorf("expected ErrUnsupportedHeaderFlag, got %v", errs[len(errs)-1])
	}
}

func TestLoadRejectsUnknownBinaryType(t *testing.T) {
	ldr, _, _ := newTestLoader(t)

	const fixture = "ipasim_test_fixture_garbage.bin"
	if err := os.WriteFile(fixture, []byte{0x01, 0x02, 0x03, 0x04}, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	defer os.Remove(fixture)

	lib, err := ldr.Load(fixture)
	if err != nil {
		t.Fatalf("Load returned an error instead of a recorded one: %v", err)
	}
	if lib != nil {
		t.Fatalf("expected a nil library for an unrecognized binary type, got %v", lib)
	}

	errs := ldr.LastErrors()
	if len(errs) != 1 {
		t.Fatalf("expected exactly one recorded error, got %d: %v", len(errs), errs)
	}
	var ce *CoreError
	if !errors.As(errs[0], &ce) || ce.Code != ErrInvalidBinaryType {
		t.Errorf("expected ErrInvalidBinaryType, got %v", errs[0])
	}
}
