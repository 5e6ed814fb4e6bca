// Package decoder turns a 32-bit Allegrex (MIPS-I derived) instruction word
// into a typed instruction record, as described in spec.md section 4.2. It
// is a pure function of the instruction word: no guest state is consulted.
package decoder

// Op is the closed enumeration of operation tags the decoder can produce.
type Op uint8

const (
	OpReserved Op = iota
	OpNop

	// Arithmetic / logical, register-register.
	OpADD
	OpADDU
	OpSUB
	OpSUBU
	OpAND
	OpOR
	OpXOR
	OpNOR
	OpSLT
	OpSLTU

	// Arithmetic / logical, register-immediate.
	OpADDI
	OpADDIU
	OpANDI
	OpORI
	OpXORI
	OpSLTI
	OpSLTIU
	OpLUI

	// Shifts.
	OpSLL
	OpSRL
	OpSRA
	OpSLLV
	OpSRLV
	OpSRAV

	// Multiply / divide.
	OpMULT
	OpMULTU
	OpDIV
	OpDIVU
	OpMFHI
	OpMFLO
	OpMTHI
	OpMTLO

	// Loads / stores.
	OpLB
	OpLBU
	OpLH
	OpLHU
	OpLW
	OpLWL
	OpLWR
	OpSB
	OpSH
	OpSW
	OpSWL
	OpSWR

	// Branches.
	OpBEQ
	OpBNE
	OpBLEZ
	OpBGTZ
	OpBLTZ
	OpBGEZ
	OpBLTZAL
	OpBGEZAL

	// Jumps.
	OpJ
	OpJAL
	OpJR
	OpJALR

	// Coprocessor.
	OpMFC0
	OpMTC0
	OpMFC1
	OpMTC1
	OpCFC1
	OpCTC1
	OpERET

	// Coprocessor-1 arithmetic/compare, single precision, plus the two
	// conversions PSP guest code actually emits (int32<->float32).
	OpADD_S
	OpSUB_S
	OpMUL_S
	OpDIV_S
	OpCVT_W_S
	OpCVT_S_W
	OpC_EQ_S
	OpC_LT_S
	OpC_LE_S

	// Branch-on-FPU-condition.
	OpBC1T
	OpBC1F

	// Traps / termination.
	OpSYSCALL
	OpBREAK
)

// Flags carries the side-effect metadata the block builder and code
// generator need without re-decoding the opcode.
type Flags uint8

const (
	HasDelaySlot Flags = 1 << iota
	IsControlTransfer
	HasMemoryEffect
	TrapsOnOverflow
	IsFPU
	IsReserved
)

// TargetKind classifies how a control-transfer instruction's target is
// resolved.
type TargetKind uint8

const (
	TargetNone TargetKind = iota
	TargetPCRelative       // branches: PC+4 + (sign-extend(imm16)<<2)
	TargetAbsolute         // J/JAL: (PC+4 & 0xF0000000) | (target26<<2)
	TargetRegister         // JR/JALR: value of RS
)

// Instruction is one decoded IR node: exactly one guest instruction.
type Instruction struct {
	Word   uint32
	PC     uint32 // the guest address this instruction was fetched from
	Op     Op
	RS, RT, RD uint8
	Shamt  uint8
	Imm32  uint32 // sign- or zero-extended per opcode, see Decode
	Target uint32 // resolved per TargetKind; PC-relative/absolute already computed
	Kind   TargetKind
	Flags  Flags
}

func (i Instruction) Has(f Flags) bool { return i.Flags&f != 0 }
