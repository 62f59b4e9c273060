package ipasim

import (
	"errors"
	"testing"
)

func TestTrampolineAllocatorCaches(t *testing.T) {
	exec, reg, eng := newTestExecutor(t)

	const stubAddr = 0x23000
	mapGuestCode(t, eng, reg, stubAddr, bxLR)

	ta := NewTrampolineAllocator(exec)
	a1, err := ta.Get(stubAddr, "i8@0:4i")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	a2, err := ta.Get(stubAddr, "i8@0:4i")
	if err != nil {
		t.Fatalf("Get (second call): %v", err)
	}
	if a1 != a2 {
		t.Errorf("repeated Get for the same key returned different pointers: 0x%x vs 0x%x", a1, a2)
	}

	a3, err := ta.Get(stubAddr, "v8@0:4")
	if err != nil {
		t.Fatalf("Get (different encoding): %v", err)
	}
	if a3 == a1 {
		t.Error("Get for a different encoding returned the same pointer as the first key")
	}
}

func TestTranslatePassesNativePointersThrough(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	ta := NewTrampolineAllocator(exec)
	const nativePtr = 0xCAFE0000 // not inside any registered library
	got, err := ta.Translate(nativePtr)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != uintptr(nativePtr) {
		t.Errorf("Translate(0x%x) = 0x%x, want the pointer unchanged", nativePtr, got)
	}
}

func TestTranslateRejectsGuestPointerWithoutMetadata(t *testing.T) {
	exec, reg, eng := newTestExecutor(t)

	const stubAddr = 0x24000
	mapGuestCode(t, eng, reg, stubAddr, bxLR)

	ta := NewTrampolineAllocator(exec)
	got, err := ta.Translate(stubAddr)
	if err == nil {
		t.Fatal("expected an error for a guest pointer without method type metadata")
	}
	if got != 0 {
		t.Errorf("Translate = 0x%x, want a null pointer on missing metadata", got)
	}
	var ce *CoreError
	if !errors.As(err, &ce) || ce.Code != ErrMissingMethodType {
		t.Errorf("expected ErrMissingMethodType, got %v", err)
	}
}

func TestTrampolineAllocatorTooManyArguments(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	ta := NewTrampolineAllocator(exec)
	_, err := ta.Get(0x1000, "viiiiiiiii")
	if err == nil {
		t.Fatal("expected an error for an encoding exceeding the supported trampoline arity")
	}
	var ce *CoreError
	if !errors.As(err, &ce) || ce.Code != ErrTooManyArguments {
		t.Errorf("expected ErrTooManyArguments, got %v", err)
	}
}
