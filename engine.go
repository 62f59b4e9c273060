package ipasim

import (
	"unsafe"

	"github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Engine is the subset of the CPU emulation engine this core depends on:
// register read/write, memory mapping with permissions, memory/code hook
// registration, and start/stop control. It is satisfied by
// unicorn.Unicorn; every other package in this module talks to it only
// through this interface.
type Engine interface {
	MemMapProt(address, size uint64, prot int) error
	MemMap(address, size uint64) error
	MemMapPtr(address, size uint64, prot int, ptr unsafe.Pointer) error
	MemProtect(address, size uint64, prot int) error
	MemUnmap(address, size uint64) error
	MemWrite(address uint64, data []byte) error
	MemRead(address, size uint64) ([]byte, error)
	RegWrite(reg int, value uint64) error
	RegRead(reg int) (uint64, error)
	Start(begin, until uint64) error
	Stop() error
	HookAdd(htype int, cb interface{}, begin, end uint64, extra ...int) (unicorn.Hook, error)
	HookDel(hook unicorn.Hook) error
	Close() error
}

// NewEngine constructs the real ARM32 little-endian Unicorn engine used
// to run guest code.
func NewEngine() (Engine, error) {
	eng, err := unicorn.NewUnicorn(unicorn.ARCH_ARM, unicorn.MODE_ARM)
	if err != nil {
		return nil, newErr(ErrEngineFailure, "create unicorn engine: %v", err)
	}
	return eng, nil
}

// Permission translates the unified address space's VM protection bits
// into the engine's permission bitmask, expressed over unicorn's
// PROT_* constants.
type Permission int

const (
	PermNone  Permission = 0
	PermRead  Permission = Permission(unicorn.PROT_READ)
	PermWrite Permission = Permission(unicorn.PROT_WRITE)
	PermExec  Permission = Permission(unicorn.PROT_EXEC)
)

// ARM registers this core reads and writes. Only the subset needed for
// AAPCS argument/return marshaling and control-flow bookkeeping: R0-R3,
// SP, LR and PC.
const (
	RegR0   = unicorn.ARM_REG_R0
	RegR1   = unicorn.ARM_REG_R1
	RegR2   = unicorn.ARM_REG_R2
	RegR3   = unicorn.ARM_REG_R3
	RegSP   = unicorn.ARM_REG_SP
	RegLR   = unicorn.ARM_REG_LR
	RegPC   = unicorn.ARM_REG_PC
	RegCPSR = unicorn.ARM_REG_CPSR
)

var argRegs = [4]int{RegR0, RegR1, RegR2, RegR3}
