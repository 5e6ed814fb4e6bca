package decoder

// MIPS-I primary opcode field values (bits 31:26) and SPECIAL/REGIMM
// function field values (bits 5:0 / bits 20:16), grounded on the classic
// MIPS decode tables shared across the retrieval pack's MIPS-family
// emulators (opcode 0 dispatches through the SPECIAL function field;
// opcode 1 dispatches through the REGIMM rt field).
const (
	opcSPECIAL = 0x00
	opcREGIMM  = 0x01
	opcJ       = 0x02
	opcJAL     = 0x03
	opcBEQ     = 0x04
	opcBNE     = 0x05
	opcBLEZ    = 0x06
	opcBGTZ    = 0x07
	opcADDI    = 0x08
	opcADDIU   = 0x09
	opcSLTI    = 0x0A
	opcSLTIU   = 0x0B
	opcANDI    = 0x0C
	opcORI     = 0x0D
	opcXORI    = 0x0E
	opcLUI     = 0x0F
	opcCOP0    = 0x10
	opcCOP1    = 0x11
	opcLB      = 0x20
	opcLH      = 0x21
	opcLWL     = 0x22
	opcLW      = 0x23
	opcLBU     = 0x24
	opcLHU     = 0x25
	opcLWR     = 0x26
	opcSB      = 0x28
	opcSH      = 0x29
	opcSWL     = 0x2A
	opcSW      = 0x2B
	opcSWR     = 0x2E

	fnSLL     = 0x00
	fnSRL     = 0x02
	fnSRA     = 0x03
	fnSLLV    = 0x04
	fnSRLV    = 0x06
	fnSRAV    = 0x07
	fnJR      = 0x08
	fnJALR    = 0x09
	fnSYSCALL = 0x0C
	fnBREAK   = 0x0D
	fnMFHI    = 0x10
	fnMTHI    = 0x11
	fnMFLO    = 0x12
	fnMTLO    = 0x13
	fnMULT    = 0x18
	fnMULTU   = 0x19
	fnDIV     = 0x1A
	fnDIVU    = 0x1B
	fnADD     = 0x20
	fnADDU    = 0x21
	fnSUB     = 0x22
	fnSUBU    = 0x23
	fnAND     = 0x24
	fnOR      = 0x25
	fnXOR     = 0x26
	fnNOR     = 0x27
	fnSLT     = 0x2A
	fnSLTU    = 0x2B

	rtBLTZ    = 0x00
	rtBGEZ    = 0x01
	rtBLTZAL  = 0x10
	rtBGEZAL  = 0x11

	cop0MF = 0x00
	cop0MT = 0x04
	cop0CO = 0x10 // funct field ERET when rs==CO

	fnERET = 0x18

	// Coprocessor-1 rs-field dispatch values. MFC1/MTC1 reuse cop0MF/cop0MT
	// above; the rest of the rs field either selects a control-register
	// move, the branch-on-condition form, or (for rs 0x10/0x14) doubles as
	// the operand format (S = single, W = word) that the funct field below
	// is decoded against.
	cop1CF = 0x02
	cop1CT = 0x06
	cop1BC = 0x08
	cop1FmtS = 0x10
	cop1FmtW = 0x14

	// Coprocessor-1 S-format funct field values.
	fnAddS  = 0x00
	fnSubS  = 0x01
	fnMulS  = 0x02
	fnDivS  = 0x03
	fnCvtWS = 0x24
	fnCEqS  = 0x32
	fnCLtS  = 0x3C
	fnCLeS  = 0x3E

	// Coprocessor-1 W-format funct field value: the only W-format op this
	// decoder recognizes is the reverse conversion, CVT.S.W.
	fnCvtSW = 0x20
)

func signExt16(imm uint32) uint32 { return uint32(int32(int16(imm))) }

// Decode turns a raw 32-bit instruction word fetched from guest address pc
// into an Instruction record. Unknown encodings decode to OpReserved with
// the IsReserved flag set; executing such a record must raise a guest trap
// (spec.md section 4.2).
func Decode(word uint32, pc uint32) Instruction {
	opcode := (word >> 26) & 0x3F
	rs := uint8((word >> 21) & 0x1F)
	rt := uint8((word >> 16) & 0x1F)
	rd := uint8((word >> 11) & 0x1F)
	shamt := uint8((word >> 6) & 0x1F)
	funct := word & 0x3F
	imm16 := word & 0xFFFF
	target26 := word & 0x03FFFFFF

	base := Instruction{Word: word, PC: pc, RS: rs, RT: rt, RD: rd, Shamt: shamt}

	reserved := func() Instruction {
		base.Op = OpReserved
		base.Flags = IsReserved
		return base
	}

	switch opcode {
	case opcSPECIAL:
		return decodeSpecial(base, funct)
	case opcREGIMM:
		return decodeRegimm(base, rt)
	case opcJ:
		base.Op = OpJ
		base.Kind = TargetAbsolute
		base.Target = ((pc + 4) & 0xF0000000) | (target26 << 2)
		base.Flags = HasDelaySlot | IsControlTransfer
		return base
	case opcJAL:
		base.Op = OpJAL
		base.Kind = TargetAbsolute
		base.Target = ((pc + 4) & 0xF0000000) | (target26 << 2)
		base.Flags = HasDelaySlot | IsControlTransfer
		return base
	case opcBEQ:
		return decodeBranch(base, OpBEQ, imm16, pc)
	case opcBNE:
		return decodeBranch(base, OpBNE, imm16, pc)
	case opcBLEZ:
		return decodeBranch(base, OpBLEZ, imm16, pc)
	case opcBGTZ:
		return decodeBranch(base, OpBGTZ, imm16, pc)
	case opcADDI:
		base.Op = OpADDI
		base.Imm32 = signExt16(imm16)
		base.Flags = TrapsOnOverflow
		return base
	case opcADDIU:
		base.Op = OpADDIU
		base.Imm32 = signExt16(imm16)
		return base
	case opcSLTI:
		base.Op = OpSLTI
		base.Imm32 = signExt16(imm16)
		return base
	case opcSLTIU:
		base.Op = OpSLTIU
		base.Imm32 = signExt16(imm16)
		return base
	case opcANDI:
		base.Op = OpANDI
		base.Imm32 = imm16
		return base
	case opcORI:
		base.Op = OpORI
		base.Imm32 = imm16
		return base
	case opcXORI:
		base.Op = OpXORI
		base.Imm32 = imm16
		return base
	case opcLUI:
		base.Op = OpLUI
		base.Imm32 = imm16 << 16
		return base
	case opcCOP0:
		return decodeCop0(base, rs)
	case opcCOP1:
		return decodeCop1(base, rs)
	case opcLB:
		base.Op, base.Imm32, base.Flags = OpLB, signExt16(imm16), HasMemoryEffect
		return base
	case opcLH:
		base.Op, base.Imm32, base.Flags = OpLH, signExt16(imm16), HasMemoryEffect
		return base
	case opcLWL:
		base.Op, base.Imm32, base.Flags = OpLWL, signExt16(imm16), HasMemoryEffect
		return base
	case opcLW:
		base.Op, base.Imm32, base.Flags = OpLW, signExt16(imm16), HasMemoryEffect
		return base
	case opcLBU:
		base.Op, base.Imm32, base.Flags = OpLBU, signExt16(imm16), HasMemoryEffect
		return base
	case opcLHU:
		base.Op, base.Imm32, base.Flags = OpLHU, signExt16(imm16), HasMemoryEffect
		return base
	case opcLWR:
		base.Op, base.Imm32, base.Flags = OpLWR, signExt16(imm16), HasMemoryEffect
		return base
	case opcSB:
		base.Op, base.Imm32, base.Flags = OpSB, signExt16(imm16), HasMemoryEffect
		return base
	case opcSH:
		base.Op, base.Imm32, base.Flags = OpSH, signExt16(imm16), HasMemoryEffect
		return base
	case opcSWL:
		base.Op, base.Imm32, base.Flags = OpSWL, signExt16(imm16), HasMemoryEffect
		return base
	case opcSW:
		base.Op, base.Imm32, base.Flags = OpSW, signExt16(imm16), HasMemoryEffect
		return base
	case opcSWR:
		base.Op, base.Imm32, base.Flags = OpSWR, signExt16(imm16), HasMemoryEffect
		return base
	default:
		return reserved()
	}
}

func decodeSpecial(base Instruction, funct uint32) Instruction {
	reserved := func() Instruction {
		base.Op = OpReserved
		base.Flags = IsReserved
		return base
	}
	switch funct {
	case fnSLL:
		base.Op = OpSLL
		if base.Word == 0 {
			base.Op = OpNop
		}
		return base
	case fnSRL:
		base.Op = OpSRL
		return base
	case fnSRA:
		base.Op = OpSRA
		return base
	case fnSLLV:
		base.Op = OpSLLV
		return base
	case fnSRLV:
		base.Op = OpSRLV
		return base
	case fnSRAV:
		base.Op = OpSRAV
		return base
	case fnJR:
		base.Op = OpJR
		base.Kind = TargetRegister
		base.Flags = HasDelaySlot | IsControlTransfer
		return base
	case fnJALR:
		base.Op = OpJALR
		base.Kind = TargetRegister
		base.Flags = HasDelaySlot | IsControlTransfer
		return base
	case fnSYSCALL:
		base.Op = OpSYSCALL
		base.Flags = IsControlTransfer
		return base
	case fnBREAK:
		base.Op = OpBREAK
		base.Flags = IsControlTransfer
		return base
	case fnMFHI:
		base.Op = OpMFHI
		return base
	case fnMTHI:
		base.Op = OpMTHI
		return base
	case fnMFLO:
		base.Op = OpMFLO
		return base
	case fnMTLO:
		base.Op = OpMTLO
		return base
	case fnMULT:
		base.Op = OpMULT
		return base
	case fnMULTU:
		base.Op = OpMULTU
		return base
	case fnDIV:
		base.Op = OpDIV
		return base
	case fnDIVU:
		base.Op = OpDIVU
		return base
	case fnADD:
		base.Op = OpADD
		base.Flags = TrapsOnOverflow
		return base
	case fnADDU:
		base.Op = OpADDU
		return base
	case fnSUB:
		base.Op = OpSUB
		base.Flags = TrapsOnOverflow
		return base
	case fnSUBU:
		base.Op = OpSUBU
		return base
	case fnAND:
		base.Op = OpAND
		return base
	case fnOR:
		base.Op = OpOR
		return base
	case fnXOR:
		base.Op = OpXOR
		return base
	case fnNOR:
		base.Op = OpNOR
		return base
	case fnSLT:
		base.Op = OpSLT
		return base
	case fnSLTU:
		base.Op = OpSLTU
		return base
	default:
		return reserved()
	}
}

func decodeRegimm(base Instruction, rt uint8) Instruction {
	switch rt {
	case rtBLTZ:
		return decodeBranch(base, OpBLTZ, base.Word&0xFFFF, base.PC)
	case rtBGEZ:
		return decodeBranch(base, OpBGEZ, base.Word&0xFFFF, base.PC)
	case rtBLTZAL:
		return decodeBranch(base, OpBLTZAL, base.Word&0xFFFF, base.PC)
	case rtBGEZAL:
		return decodeBranch(base, OpBGEZAL, base.Word&0xFFFF, base.PC)
	default:
		base.Op = OpReserved
		base.Flags = IsReserved
		return base
	}
}

func decodeBranch(base Instruction, op Op, imm16 uint32, pc uint32) Instruction {
	base.Op = op
	base.Kind = TargetPCRelative
	base.Imm32 = signExt16(imm16)
	base.Target = pc + 4 + (signExt16(imm16) << 2)
	base.Flags = HasDelaySlot | IsControlTransfer
	return base
}

func decodeCop0(base Instruction, rs uint8) Instruction {
	switch rs {
	case cop0MF:
		base.Op = OpMFC0
		return base
	case cop0MT:
		base.Op = OpMTC0
		return base
	case cop0CO:
		if base.Word&0x3F == fnERET {
			base.Op = OpERET
			base.Flags = IsControlTransfer // no delay slot: ERET takes effect immediately
			return base
		}
		base.Op = OpReserved
		base.Flags = IsReserved
		return base
	default:
		base.Op = OpReserved
		base.Flags = IsReserved
		return base
	}
}

func decodeCop1(base Instruction, rs uint8) Instruction {
	switch rs {
	case cop0MF:
		base.Op = OpMFC1
		base.Flags = IsFPU
		return base
	case cop1CF:
		base.Op = OpCFC1
		base.Flags = IsFPU
		return base
	case cop0MT:
		base.Op = OpMTC1
		base.Flags = IsFPU
		return base
	case cop1CT:
		base.Op = OpCTC1
		base.Flags = IsFPU
		return base
	case cop1BC:
		return decodeCop1Branch(base)
	case cop1FmtS:
		return decodeCop1S(base)
	case cop1FmtW:
		return decodeCop1W(base)
	default:
		base.Op = OpReserved
		base.Flags = IsReserved
		return base
	}
}

// decodeCop1Branch decodes BC1T/BC1F. Bit 16 of the instruction word (the
// low bit of what would be the rt field) selects true vs. false; bit 17
// (nd, "no delay slot") is a MIPS-IV addition PSP guest code compiled for
// this core does not emit, so it is not distinguished here — every branch
// on the FPU condition is treated as having an ordinary delay slot.
func decodeCop1Branch(base Instruction) Instruction {
	tf := (base.Word>>16)&1 != 0
	imm16 := base.Word & 0xFFFF
	op := OpBC1F
	if tf {
		op = OpBC1T
	}
	base = decodeBranch(base, op, imm16, base.PC)
	base.Flags |= IsFPU
	return base
}

// decodeCop1S decodes the single-precision arithmetic/compare family.
// Operand fields follow the MIPS FPU convention: RT is ft, RD is fs (both
// already extracted generically by Decode), and Shamt is fd. Only the
// three compare conditions PSP toolchains actually emit (EQ, LT, LE) are
// implemented; the other thirteen IEEE 754-style conditions in the C.cond.S
// family fall through to reserved.
func decodeCop1S(base Instruction) Instruction {
	base.Flags = IsFPU
	switch base.Word & 0x3F {
	case fnAddS:
		base.Op = OpADD_S
	case fnSubS:
		base.Op = OpSUB_S
	case fnMulS:
		base.Op = OpMUL_S
	case fnDivS:
		base.Op = OpDIV_S
	case fnCvtWS:
		base.Op = OpCVT_W_S
	case fnCEqS:
		base.Op = OpC_EQ_S
	case fnCLtS:
		base.Op = OpC_LT_S
	case fnCLeS:
		base.Op = OpC_LE_S
	default:
		base.Op = OpReserved
		base.Flags = IsReserved
	}
	return base
}

// decodeCop1W decodes the only word-format coprocessor-1 op this table
// recognizes, CVT.S.W.
func decodeCop1W(base Instruction) Instruction {
	if base.Word&0x3F == fnCvtSW {
		base.Op = OpCVT_S_W
		base.Flags = IsFPU
		return base
	}
	base.Op = OpReserved
	base.Flags = IsReserved
	return base
}
