package block

import "github.com/pspultra/allegrex/internal/decoder"

// WordFetcher reads one guest instruction word. internal/memmap.Map
// satisfies this via its ReadU32 method.
type WordFetcher interface {
	ReadU32(addr uint32) (uint32, error)
}

// Builder turns a straight-line run of guest instructions starting at an
// entry PC into a Block, applying the stop rule and length cap from
// spec.md section 4.3.
type Builder struct {
	// MaxLength caps the number of guest instructions (delay slot
	// included) a single block may contain. Zero means DefaultMaxLength.
	MaxLength int
}

// Build decodes instructions starting at entry until a control-transfer
// instruction (plus its delay slot, if any) is reached, the length cap is
// hit, or fetching fails.
func (b *Builder) Build(fetch WordFetcher, entry uint32) (*Block, error) {
	max := b.MaxLength
	if max <= 0 {
		max = DefaultMaxLength
	}

	var instrs []decoder.Instruction
	pc := entry
	exit := ExitDescriptor{Kind: ExitFallthrough}

	for len(instrs) < max {
		word, err := fetch.ReadU32(pc)
		if err != nil {
			return nil, err
		}
		ins := decoder.Decode(word, pc)
		instrs = append(instrs, ins)
		pc += 4

		if ins.Has(decoder.IsReserved) {
			break
		}

		if !ins.Has(decoder.IsControlTransfer) {
			continue
		}

		if ins.Has(decoder.HasDelaySlot) {
			if len(instrs) < max {
				slotWord, err := fetch.ReadU32(pc)
				if err != nil {
					return nil, err
				}
				slot := decoder.Decode(slotWord, pc)
				if slot.Has(decoder.IsControlTransfer) {
					// Placing a branch or jump in another branch's delay
					// slot is an unpredictable encoding on real Allegrex
					// silicon; treat it as reserved so execution traps
					// rather than silently nesting control transfers.
					slot.Op = decoder.OpReserved
					slot.Flags = decoder.IsReserved
				}
				instrs = append(instrs, slot)
				pc += 4
			}
		}

		exit = exitFor(ins, pc)
		break
	}

	blk := &Block{Entry: entry, Instructions: instrs, Exit: exit}
	blk.Analysis = analyze(instrs)
	return blk, nil
}

func exitFor(ins decoder.Instruction, nextPC uint32) ExitDescriptor {
	switch ins.Op {
	case decoder.OpSYSCALL:
		return ExitDescriptor{Kind: ExitSyscall}
	case decoder.OpBREAK:
		return ExitDescriptor{Kind: ExitBreak}
	case decoder.OpJR, decoder.OpJALR:
		return ExitDescriptor{Kind: ExitJump, Register: true}
	case decoder.OpERET:
		// ERET's cop thunk loads ctx.PC from EPC; no delay slot follows.
		return ExitDescriptor{Kind: ExitJump, Register: true}
	case decoder.OpJ, decoder.OpJAL:
		return ExitDescriptor{Kind: ExitJump, Taken: ins.Target}
	case decoder.OpBEQ, decoder.OpBNE, decoder.OpBLEZ, decoder.OpBGTZ,
		decoder.OpBLTZ, decoder.OpBGEZ, decoder.OpBLTZAL, decoder.OpBGEZAL,
		decoder.OpBC1T, decoder.OpBC1F:
		return ExitDescriptor{Kind: ExitBranch, Taken: ins.Target, NotTaken: nextPC}
	default:
		return ExitDescriptor{Kind: ExitFallthrough}
	}
}

func regMask(regs ...uint8) uint32 {
	var m uint32
	for _, r := range regs {
		if r != 0 {
			m |= 1 << r
		}
	}
	return m
}

// defUse returns the register bitmasks written and read by ins, ignoring
// HI/LO and coprocessor state (tracked separately, never elided by
// liveness in this port).
func defUse(ins decoder.Instruction) (def, use uint32) {
	switch ins.Op {
	case decoder.OpADD, decoder.OpADDU, decoder.OpSUB, decoder.OpSUBU,
		decoder.OpAND, decoder.OpOR, decoder.OpXOR, decoder.OpNOR,
		decoder.OpSLT, decoder.OpSLTU:
		return regMask(ins.RD), regMask(ins.RS, ins.RT)
	case decoder.OpADDI, decoder.OpADDIU, decoder.OpANDI, decoder.OpORI,
		decoder.OpXORI, decoder.OpSLTI, decoder.OpSLTIU:
		return regMask(ins.RT), regMask(ins.RS)
	case decoder.OpLUI:
		return regMask(ins.RT), 0
	case decoder.OpSLL, decoder.OpSRL, decoder.OpSRA:
		return regMask(ins.RD), regMask(ins.RT)
	case decoder.OpSLLV, decoder.OpSRLV, decoder.OpSRAV:
		return regMask(ins.RD), regMask(ins.RS, ins.RT)
	case decoder.OpMULT, decoder.OpMULTU, decoder.OpDIV, decoder.OpDIVU:
		return 0, regMask(ins.RS, ins.RT)
	case decoder.OpMFHI, decoder.OpMFLO:
		return regMask(ins.RD), 0
	case decoder.OpMTHI, decoder.OpMTLO:
		return 0, regMask(ins.RS)
	case decoder.OpLB, decoder.OpLBU, decoder.OpLH, decoder.OpLHU, decoder.OpLW:
		return regMask(ins.RT), regMask(ins.RS)
	case decoder.OpLWL, decoder.OpLWR:
		return regMask(ins.RT), regMask(ins.RS, ins.RT)
	case decoder.OpSB, decoder.OpSH, decoder.OpSW, decoder.OpSWL, decoder.OpSWR:
		return 0, regMask(ins.RS, ins.RT)
	case decoder.OpBEQ, decoder.OpBNE:
		return 0, regMask(ins.RS, ins.RT)
	case decoder.OpBLEZ, decoder.OpBGTZ, decoder.OpBLTZ, decoder.OpBGEZ:
		return 0, regMask(ins.RS)
	case decoder.OpBLTZAL, decoder.OpBGEZAL:
		return regMask(31), regMask(ins.RS)
	case decoder.OpJ:
		return 0, 0
	case decoder.OpJAL:
		return regMask(31), 0
	case decoder.OpJR:
		return 0, regMask(ins.RS)
	case decoder.OpJALR:
		dest := ins.RD
		if dest == 0 {
			dest = 31
		}
		return regMask(dest), regMask(ins.RS)
	case decoder.OpMFC0, decoder.OpMFC1, decoder.OpCFC1:
		return regMask(ins.RT), 0
	case decoder.OpMTC0, decoder.OpMTC1, decoder.OpCTC1:
		return 0, regMask(ins.RT)
	default:
		return 0, 0
	}
}

// analyze runs the backward liveness sweep and trivial constant
// propagation pass described in spec.md section 4.3. Liveness is
// conservative at the block boundary: every register is assumed live out
// of the block, since the guest register file persists across blocks.
func analyze(instrs []decoder.Instruction) Analysis {
	n := len(instrs)
	a := Analysis{
		LiveOut:    make([]uint32, n),
		ConstValid: make([]bool, n),
		ConstReg:   make([]uint8, n),
		ConstVal:   make([]uint32, n),
	}
	if n == 0 {
		return a
	}

	live := uint32(0xFFFFFFFE) // all registers except r0
	for i := n - 1; i >= 0; i-- {
		a.LiveOut[i] = live
		def, use := defUse(instrs[i])
		live = (live &^ def) | use
	}

	for i, ins := range instrs {
		if ins.RT == 0 {
			continue // r0 stays zero whatever is written to it
		}
		switch ins.Op {
		case decoder.OpADDIU, decoder.OpORI:
			if ins.RS == 0 {
				a.ConstValid[i] = true
				a.ConstReg[i] = ins.RT
				a.ConstVal[i] = ins.Imm32
			}
		case decoder.OpLUI:
			a.ConstValid[i] = true
			a.ConstReg[i] = ins.RT
			a.ConstVal[i] = ins.Imm32
		}
	}
	return a
}
