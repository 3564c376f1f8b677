package core

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/overlay/pkg/overlay"
	"go.uber.org/zap"
)

// frame is one local (src=1) call frame.
type frame struct {
	saved [4]uint64 // r6-r9
	fp    uint64    // r10
	ret   int64     // instruction index to resume at
}

// Interpreter executes one invocation of one function body.
type Interpreter struct {
	name string
	code []byte
	addr uint32

	stack  []byte
	frames []frame

	steps    uint64
	maxSteps uint64

	host   *Registry
	caller overlay.Caller
	log    *zap.Logger
}

// NewInterpreter prepares an interpreter for the body in code, which lives
// at addr. name is used in errors and logs only.
func NewInterpreter(name string, code []byte, addr uint32, opts Options) *Interpreter {
	opts = opts.withDefaults()
	return &Interpreter{
		name:     name,
		code:     code,
		addr:     addr,
		stack:    make([]byte, StackFrameSize*(MaxInternalDepth+1)),
		frames:   make([]frame, 0, MaxInternalDepth),
		maxSteps: opts.MaxSteps,
		host:     opts.Host,
		log:      opts.Logger,
	}
}

// Name returns the name of the function being executed.
func (ip *Interpreter) Name() string {
	return ip.name
}

// Steps returns the number of instructions executed so far.
func (ip *Interpreter) Steps() uint64 {
	return ip.steps
}

// Run executes the body from its first instruction with args in r1-r5 and
// returns r0 at the outermost exit. Overlay calls are dispatched through
// caller, which may be nil for bodies that make none.
func (ip *Interpreter) Run(args overlay.Args, caller overlay.Caller) (r0 uint64, err error) {
	if len(ip.code)%InstructionSize != 0 {
		return 0, fmt.Errorf("%w: %s: body of %d bytes is not whole instructions", ErrInvalidInstruction, ip.name, len(ip.code))
	}
	ip.caller = caller

	var r [11]uint64
	copy(r[1:6], args[:])
	r[10] = VaddrStack + StackFrameSize

	n := int64(len(ip.code) / InstructionSize)
	pc := int64(0)

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s: vm panic at pc %d: %v", ip.name, pc, rec)
		}
	}()

	for {
		if pc < 0 || pc >= n {
			return 0, ip.fault(pc, fmt.Errorf("%w: pc outside body of %d instructions", ErrInvalidInstruction, n))
		}
		ip.steps++
		if ip.steps > ip.maxSteps {
			return 0, ip.fault(pc, ErrStepBudgetExceeded)
		}

		ins := Instruction(ip.fetch(pc))
		op, dst, src, off, imm := ins.Op(), ins.Dst(), ins.Src(), ins.Off(), ins.Imm()
		if dst > 10 || src > 10 {
			return 0, ip.fault(pc, fmt.Errorf("%w: register dst=%d src=%d", ErrInvalidInstruction, dst, src))
		}

		switch op & 0x07 {
		case ClassAlu, ClassAlu64:
			if dst == 10 {
				return 0, ip.fault(pc, fmt.Errorf("%w: write to r10", ErrInvalidInstruction))
			}
			operand := uint64(int64(imm))
			if op&SrcX != 0 {
				operand = r[src]
			}
			v, err := alu(op, r[dst], operand)
			if err != nil {
				return 0, ip.fault(pc, err)
			}
			r[dst] = v

		case 0x00:
			if op != OpLddw {
				return 0, ip.fault(pc, fmt.Errorf("%w: opcode 0x%02x", ErrInvalidInstruction, op))
			}
			if pc+1 >= n || dst == 10 {
				return 0, ip.fault(pc, fmt.Errorf("%w: malformed lddw", ErrInvalidInstruction))
			}
			hi := Instruction(ip.fetch(pc + 1)).Imm()
			r[dst] = uint64(uint32(imm)) | uint64(uint32(hi))<<32
			pc++

		case ClassLdx:
			if dst == 10 {
				return 0, ip.fault(pc, fmt.Errorf("%w: write to r10", ErrInvalidInstruction))
			}
			v, err := ip.load(r[src]+uint64(int64(off)), accessSize(op))
			if err != nil {
				return 0, ip.fault(pc, err)
			}
			r[dst] = v

		case ClassSt:
			if err := ip.store(r[dst]+uint64(int64(off)), accessSize(op), uint64(int64(imm))); err != nil {
				return 0, ip.fault(pc, err)
			}

		case ClassStx:
			if err := ip.store(r[dst]+uint64(int64(off)), accessSize(op), r[src]); err != nil {
				return 0, ip.fault(pc, err)
			}

		case ClassJmp:
			switch op & 0xF0 {
			case JmpJa:
				pc += int64(off)

			case JmpCall:
				if src == 1 {
					if len(ip.frames) >= MaxInternalDepth {
						return 0, ip.fault(pc, ErrCallDepthExceeded)
					}
					f := frame{fp: r[10], ret: pc + 1}
					copy(f.saved[:], r[6:10])
					ip.frames = append(ip.frames, f)
					r[10] += StackFrameSize
					pc += int64(imm) + 1
					continue
				}
				v, err := ip.call(uint32(imm), pc, &r)
				if err != nil {
					return 0, err
				}
				r[0] = v

			case JmpExit:
				if len(ip.frames) == 0 {
					return r[0], nil
				}
				f := ip.frames[len(ip.frames)-1]
				ip.frames = ip.frames[:len(ip.frames)-1]
				copy(r[6:10], f.saved[:])
				r[10] = f.fp
				pc = f.ret
				continue

			default:
				operand := uint64(int64(imm))
				if op&SrcX != 0 {
					operand = r[src]
				}
				taken, err := branch(op, r[dst], operand)
				if err != nil {
					return 0, ip.fault(pc, err)
				}
				if taken {
					pc += int64(off)
				}
			}

		default:
			return 0, ip.fault(pc, fmt.Errorf("%w: opcode 0x%02x", ErrInvalidInstruction, op))
		}

		pc++
	}
}

// call resolves an external call: host functions first, then overlay
// functions through the manager. Errors from a nested overlay call are
// returned unchanged.
func (ip *Interpreter) call(hash uint32, pc int64, r *[11]uint64) (uint64, error) {
	if fn, ok := ip.host.Get(hash); ok {
		v, err := fn(ip, r[1], r[2], r[3], r[4], r[5])
		if err != nil {
			return 0, ip.fault(pc, err)
		}
		return v, nil
	}
	if ip.caller != nil {
		if id, ok := ip.caller.Lookup(hash); ok {
			ret := ip.addr + uint32(pc+1)*InstructionSize
			return ip.caller.Call(id, ret, overlay.Args{r[1], r[2], r[3], r[4], r[5]})
		}
	}
	return 0, ip.fault(pc, fmt.Errorf("%w: 0x%08x", ErrUnknownFunction, hash))
}

func (ip *Interpreter) fetch(pc int64) uint64 {
	off := pc * InstructionSize
	return binary.LittleEndian.Uint64(ip.code[off : off+InstructionSize])
}

func (ip *Interpreter) fault(pc int64, err error) error {
	return fmt.Errorf("%s+0x%x: %w", ip.name, pc*InstructionSize, err)
}

// alu applies a 64-bit or 32-bit ALU operation.
func alu(op uint8, a, b uint64) (uint64, error) {
	wide := op&0x07 == ClassAlu64
	if !wide {
		a, b = uint64(uint32(a)), uint64(uint32(b))
	}
	shift := b & 63
	if !wide {
		shift = b & 31
	}

	var v uint64
	switch op & 0xF0 {
	case AluAdd:
		v = a + b
	case AluSub:
		v = a - b
	case AluMul:
		v = a * b
	case AluDiv:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		v = a / b
	case AluMod:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		v = a % b
	case AluOr:
		v = a | b
	case AluAnd:
		v = a & b
	case AluXor:
		v = a ^ b
	case AluLsh:
		v = a << shift
	case AluRsh:
		v = a >> shift
	case AluArsh:
		if wide {
			v = uint64(int64(a) >> shift)
		} else {
			v = uint64(uint32(int32(uint32(a)) >> shift))
		}
	case AluNeg:
		v = -a
	case AluMov:
		v = b
	default:
		return 0, fmt.Errorf("%w: opcode 0x%02x", ErrInvalidInstruction, op)
	}

	if !wide {
		v = uint64(uint32(v))
	}
	return v, nil
}

// branch evaluates a conditional jump.
func branch(op uint8, a, b uint64) (bool, error) {
	switch op & 0xF0 {
	case JmpJeq:
		return a == b, nil
	case JmpJne:
		return a != b, nil
	case JmpJgt:
		return a > b, nil
	case JmpJge:
		return a >= b, nil
	case JmpJlt:
		return a < b, nil
	case JmpJle:
		return a <= b, nil
	case JmpJset:
		return a&b != 0, nil
	case JmpJsgt:
		return int64(a) > int64(b), nil
	case JmpJsge:
		return int64(a) >= int64(b), nil
	case JmpJslt:
		return int64(a) < int64(b), nil
	case JmpJsle:
		return int64(a) <= int64(b), nil
	}
	return false, fmt.Errorf("%w: jump opcode 0x%02x", ErrInvalidInstruction, op)
}

func accessSize(op uint8) uint64 {
	switch op & 0x18 {
	case SizeB:
		return 1
	case SizeH:
		return 2
	case SizeW:
		return 4
	default:
		return 8
	}
}
