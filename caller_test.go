package ipasim

import "testing"

// bxLR is a guest stub that immediately returns, leaving every register
// exactly as the caller set it.
var bxLR = []byte{0x1e, 0xff, 0x2f, 0xe1}

func TestDynamicBackCallerRoundTrip(t *testing.T) {
	exec, reg, eng := newTestExecutor(t)

	const stubAddr = 0x21000
	mapGuestCode(t, eng, reg, stubAddr, bxLR)

	bc := NewDynamicBackCaller(exec)
	got, err := bc.CallBackR(stubAddr, []uint32{1, 2, 3})
	if err != nil {
		t.Fatalf("CallBackR: %v", err)
	}
	if got != 1 {
		t.Errorf("CallBackR returned %d, want 1 (R0 as marshaled)", got)
	}

	for i, r := range []int{RegR1, RegR2} {
		v, err := exec.RegRead(r)
		if err != nil {
			t.Fatalf("RegRead: %v", err)
		}
		if v != uint64(i+2) {
			t.Errorf("register %d = %d, want %d", r, v, i+2)
		}
	}
}

func TestDynamicBackCallerSpillsStackArgs(t *testing.T) {
	exec, reg, eng := newTestExecutor(t)

	const stubAddr = 0x22000
	mapGuestCode(t, eng, reg, stubAddr, bxLR)
	mapTestStack(t, exec, eng)

	spBefore, err := exec.RegRead(RegSP)
	if err != nil {
		t.Fatalf("RegRead(SP): %v", err)
	}

	bc := NewDynamicBackCaller(exec)
	if err := bc.CallBack(stubAddr, []uint32{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatalf("CallBack: %v", err)
	}

	spAfter, err := exec.RegRead(RegSP)
	if err != nil {
		t.Fatalf("RegRead(SP) after call: %v", err)
	}
	if spAfter != spBefore-2*4 {
		t.Errorf("SP = 0x%x, want 0x%x (two spilled words below original SP)", spAfter, spBefore-2*4)
	}

	word, err := exec.MemRead(spAfter, 4)
	if err != nil {
		t.Fatalf("MemRead spilled arg: %v", err)
	}
	if le32(word) != 5 {
		t.Errorf("first spilled word = %d, want 5", le32(word))
	}
}

func TestDynamicCallerLoadArgFromRegistersAndStack(t *testing.T) {
	exec, _, eng := newTestExecutor(t)
	mapTestStack(t, exec, eng)

	for i, v := range []uint64{10, 20, 30, 40} {
		if err := exec.RegWrite(argRegs[i], v); err != nil {
			t.Fatalf("RegWrite: %v", err)
		}
	}
	sp, err := exec.RegRead(RegSP)
	if err != nil {
		t.Fatalf("RegRead(SP): %v", err)
	}
	word := make([]byte, 4)
	putLE32(word, 50)
	if err := exec.MemWrite(sp, word); err != nil {
		t.Fatalf("MemWrite stack arg: %v", err)
	}

	c := NewDynamicCaller(exec)
	for i := 0; i < 5; i++ {
		if err := c.LoadArg(4); err != nil {
			t.Fatalf("LoadArg(%d): %v", i, err)
		}
	}

	want := []uintptr{10, 20, 30, 40, 50}
	if len(c.args) != len(want) {
		t.Fatalf("collected %d args, want %d", len(c.args), len(want))
	}
	for i := range want {
		if c.args[i] != want[i] {
			t.Errorf("args[%d] = %d, want %d", i, c.args[i], want[i])
		}
	}
}
