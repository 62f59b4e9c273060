package ipasim

import "testing"

func TestHandleFetchProtectionKernelSentinel(t *testing.T) {
	exec, _, _ := newTestExecutor(t)
	cfg := DefaultConfig()

	exec.returnStack = append(exec.returnStack, 0x1234)

	if handled := exec.disp.HandleFetchProtection(cfg.KernelSentinelAddr); !handled {
		t.Fatal("expected the kernel sentinel fetch to be handled")
	}

	lr, err := exec.RegRead(RegLR)
	if err != nil {
		t.Fatalf("RegRead(LR): %v", err)
	}
	if lr != 0x1234 {
		t.Errorf("LR = 0x%x, want 0x1234", lr)
	}
}

func TestHandleFetchProtectionUnmapped(t *testing.T) {
	exec, ldr := newTestDispatcherDeps(t)

	if handled := exec.disp.HandleFetchProtection(0xDEADBEEF); handled {
		t.Error("expected an unmapped fetch to be fatal")
	}
	if len(ldr.LastErrors()) == 0 {
		t.Error("expected an error to be recorded for the unmapped fetch")
	}
}

func TestHandleFetchProtectionGuestCompensation(t *testing.T) {
	exec, ldr := newTestDispatcherDeps(t)

	if err := ldr.Registry().put(&LibraryEntry{
		Path: "guest", Kind: GuestDylib, StartAddress: 0x30000, Size: pageSize,
	}); err != nil {
		t.Fatalf("register guest range: %v", err)
	}

	if handled := exec.disp.HandleFetchProtection(0x30000); !handled {
		t.Error("expected a guest-dylib fetch to be treated as a non-fault")
	}
}

// newTestDispatcherDeps builds an executor and exposes its loader, for
// dispatcher tests that need to register library ranges directly.
func newTestDispatcherDeps(t *testing.T) (*Executor, *Loader) {
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

	return exec, ldr
}
