package ipasim

import (
	"testing"
)

// newTestExecutor builds a real engine, loader and executor, skipping
// the test wherever Supported reports false: on any non-Windows host,
// or where the emulation engine cannot be constructed at all (the
// unicorn native library missing, say).
func newTestExecutor(t *testing.T) (*Executor, *Registry, Engine) {
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

	cfg := DefaultConfig()
	reg := NewRegistry()
	ldr := NewLoader(reg, eng, cfg)
	exec, err := NewExecutor(ldr, eng, cfg)
	if err != nil {
		t.Fatalf("NewExecutor(): %v", err)
	}
	t.Cleanup(func() { exec.Close() })

	return exec, reg, eng
}

// mapGuestCode maps code as an executable guest dylib range at addr and
// registers it in reg so fetch-protection dispatch treats it as guest
// code rather than a fault.
func mapGuestCode(t *testing.T, eng Engine, reg *Registry, addr uint64, code []byte) {
	t.Helper()
	if err := eng.MemMapProt(addr, pageSize, int(PermRead|PermWrite|PermExec)); err != nil {
		t.Fatalf("map code page: %v", err)
	}
	if err := eng.MemWrite(addr, code); err != nil {
		t.Fatalf("write code: %v", err)
	}
	if err := reg.put(&LibraryEntry{Path: "test-guest", Kind: GuestDylib, StartAddress: addr, Size: pageSize}); err != nil {
		t.Fatalf("register guest range: %v", err)
	}
}

// mapTestStack maps one page of guest stack well away from the code
// stubs the tests place and points SP into it, leaving headroom both
// above (for spilled arguments read at SP+offset) and below (for
// arguments a back-caller pushes).
func mapTestStack(t *testing.T, exec *Executor, eng Engine) {
	t.Helper()
	const stackPage = 0x70000
	if err := eng.MemMapProt(stackPage, pageSize, int(PermRead|PermWrite)); err != nil {
		t.Fatalf("map test stack: %v", err)
	}
	if err := exec.RegWrite(RegSP, stackPage+pageSize/2); err != nil {
		t.Fatalf("set SP: %v", err)
	}
}

// movR0_42_bxLR is "mov r0, #42; bx lr" in little-endian ARM32 machine
// code.
var movR0_42_bxLR = []byte{0x2a, 0x00, 0xa0, 0xe3, 0x1e, 0xff, 0x2f, 0xe1}

func TestExecuteAddrTopLevelReturn(t *testing.T) {
	exec, reg, eng := newTestExecutor(t)

	const codeAddr = 0x20000
	mapGuestCode(t, eng, reg, codeAddr, movR0_42_bxLR)

	if err := exec.ExecuteAddr(codeAddr); err != nil {
		t.Fatalf("ExecuteAddr: %v", err)
	}

	r0, err := exec.RegRead(RegR0)
	if err != nil {
		t.Fatalf("RegRead(R0): %v", err)
	}
	if r0 != 42 {
		t.Errorf("R0 = %d, want 42", r0)
	}
}

func TestReturnStackDepthInvariant(t *testing.T) {
	exec, reg, eng := newTestExecutor(t)

	const codeAddr = 0x20000
	mapGuestCode(t, eng, reg, codeAddr, movR0_42_bxLR)

	before := len(exec.returnStack)
	if err := exec.ExecuteAddr(codeAddr); err != nil {
		t.Fatalf("ExecuteAddr: %v", err)
	}
	after := len(exec.returnStack)

	if before != after {
		t.Errorf("return stack depth changed: before=%d after=%d", before, after)
	}
}

func TestContinuationSingleton(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	if err := exec.continueOutsideEmulation(func() {}); err != nil {
		t.Fatalf("first continueOutsideEmulation: %v", err)
	}
	if err := exec.continueOutsideEmulation(func() {}); err != ErrContinuationSet {
		t.Errorf("second continueOutsideEmulation = %v, want ErrContinuationSet", err)
	}
}

func TestUnmappedWriteMapsOnDemand(t *testing.T) {
	exec, _, eng := newTestExecutor(t)

	const addr = 0x50000
	if handled := exec.onUnmappedAccess(nil, 0, addr, 4, 0); !handled {
		t.Fatal("onUnmappedAccess reported unhandled")
	}

	data := []byte{1, 2, 3, 4}
	if err := eng.MemWrite(addr, data); err != nil {
		t.Fatalf("write after on-demand map: %v", err)
	}
	got, err := eng.MemRead(addr, 4)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("MemRead = %v, want %v", got, data)
		}
	}
}
