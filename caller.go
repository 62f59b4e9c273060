package ipasim

import (
	"github.com/ebitengine/purego"
)

// DynamicCaller marshals a guest→native call whose argument list was
// never known at load time: it walks the AAPCS argument registers
// R0-R3 and then the guest stack, one word at a time, collecting raw
// 32-bit words to hand to the native function exactly as the ARM
// calling convention laid them out.
type DynamicCaller struct {
	ex        *Executor
	args      []uintptr
	regIdx    int
	stackWord uint64
}

// NewDynamicCaller starts a fresh argument walk against ex's current
// register and stack state.
func NewDynamicCaller(ex *Executor) *DynamicCaller {
	return &DynamicCaller{ex: ex}
}

// LoadArg consumes ceil(size/4) words for one argument, in whatever
// combination of registers and stack slots AAPCS would have used. Every
// type this core's type decoder produces is four bytes or a multiple
// of four, so size is always already word-aligned in practice; the
// rounding only guards against a future wider type being added.
func (c *DynamicCaller) LoadArg(size uint32) error {
	words := (size + 3) / 4
	for i := uint32(0); i < words; i++ {
		w, err := c.nextWord()
		if err != nil {
			return err
		}
		c.args = append(c.args, uintptr(w))
	}
	return nil
}

func (c *DynamicCaller) nextWord() (uint32, error) {
	if c.regIdx < len(argRegs) {
		v, err := c.ex.RegRead(argRegs[c.regIdx])
		c.regIdx++
		if err != nil {
			return 0, newErr(ErrEngineFailure, "read arg register: %v", err)
		}
		return uint32(v), nil
	}

	sp, err := c.ex.RegRead(RegSP)
	if err != nil {
		return 0, newErr(ErrEngineFailure, "read SP: %v", err)
	}
	addr := sp + c.stackWord*4
	c.stackWord++
	word, err := c.ex.MemRead(addr, 4)
	if err != nil {
		return 0, newErr(ErrEngineFailure, "read stack arg at 0x%x: %v", addr, err)
	}
	return le32(word), nil
}

// maxDynamicCallArgs bounds the argument count a dynamically translated
// call may collect.
const maxDynamicCallArgs = 6

// Call invokes the native function at target with the collected
// arguments, writing a four-byte return value into R0 if returns is
// true.
func (c *DynamicCaller) Call(returns bool, target uint64) error {
	if len(c.args) > maxDynamicCallArgs {
		return newErr(ErrTooManyArguments, "dynamic call to 0x%x with %d arguments", target, len(c.args))
	}
	recordNativeCall()
	ret, _, _ := purego.SyscallN(uintptr(target), c.args...)
	if !returns {
		return nil
	}
	return c.ex.RegWrite(RegR0, uint64(uint32(ret)))
}

// callNativeVoidU32 invokes a native wrapper compiled to take a single
// uint32_t argument and return nothing: the shape every wrapper DLL
// entry point exposes (the argument is a pointer to the marshaled
// argument block the guest built before faulting).
func callNativeVoidU32(target uint64, arg uint32) {
	recordNativeCall()
	purego.SyscallN(uintptr(target), uintptr(arg))
}

// callNative invokes a native function with word-sized arguments,
// discarding any return value. Used for the guest runtime
// initialization contract.
func callNative(target uint64, args ...uint32) {
	recordNativeCall()
	words := make([]uintptr, len(args))
	for i, a := range args {
		words[i] = uintptr(a)
	}
	purego.SyscallN(uintptr(target), words...)
}

// DynamicBackCaller is the inverse of DynamicCaller: a native callback
// invoking back into guest ARM code. It writes up to four arguments
// into R0-R3, spills the rest onto the guest stack below the current
// stack pointer, and drives the call through the executor's restart
// loop so any further guest→native crossings it triggers are handled
// the same way a top-level call's would be.
type DynamicBackCaller struct {
	ex *Executor
}

// NewDynamicBackCaller builds a back-caller bound to ex.
func NewDynamicBackCaller(ex *Executor) *DynamicBackCaller {
	return &DynamicBackCaller{ex: ex}
}

// CallBack invokes the guest function at target with args and discards
// any return value.
func (b *DynamicBackCaller) CallBack(target uint64, args []uint32) error {
	if err := b.marshal(args); err != nil {
		return err
	}
	recordCallback()
	return b.ex.ExecuteAddr(target)
}

// CallBackR invokes the guest function at target with args and returns
// the value it left in R0.
func (b *DynamicBackCaller) CallBackR(target uint64, args []uint32) (uint32, error) {
	if err := b.CallBack(target, args); err != nil {
		return 0, err
	}
	v, err := b.ex.RegRead(RegR0)
	return uint32(v), err
}

func (b *DynamicBackCaller) marshal(args []uint32) error {
	regArgs := args
	var stackArgs []uint32
	if len(args) > len(argRegs) {
		regArgs = args[:len(argRegs)]
		stackArgs = args[len(argRegs):]
	}
	for i, a := range regArgs {
		if err := b.ex.RegWrite(argRegs[i], uint64(a)); err != nil {
			return newErr(ErrEngineFailure, "write arg register: %v", err)
		}
	}
	if len(stackArgs) == 0 {
		return nil
	}

	sp, err := b.ex.RegRead(RegSP)
	if err != nil {
		return newErr(ErrEngineFailure, "read SP: %v", err)
	}
	base := sp - uint64(len(stackArgs))*4
	for i, a := range stackArgs {
		word := make([]byte, 4)
		putLE32(word, a)
		if err := b.ex.MemWrite(base+uint64(i)*4, word); err != nil {
			return newErr(ErrEngineFailure, "write stack arg: %v", err)
		}
	}
	return b.ex.RegWrite(RegSP, base)
}
