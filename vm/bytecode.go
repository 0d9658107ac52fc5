package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode identifies an instruction. Instructions are register based: A, B
// and C name registers unless the opcode documents otherwise.
type Opcode byte

// Loads and moves
const (
	OpNop       Opcode = 0x00 // no operation
	OpLoadConst Opcode = 0x01 // A <- Value
	OpLoadNull  Opcode = 0x02 // A <- null
	OpLoadThis  Opcode = 0x03 // A <- this
	OpMove      Opcode = 0x04 // A <- B
	OpPop       Opcode = 0x05 // A <- pop operand stack
	OpPush      Opcode = 0x06 // push A on the operand stack
)

// Arithmetic and comparison
const (
	OpAdd     Opcode = 0x10 // A <- B + C (numbers, or string concatenation)
	OpSub     Opcode = 0x11 // A <- B - C
	OpMul     Opcode = 0x12 // A <- B * C
	OpDiv     Opcode = 0x13 // A <- B / C
	OpMod     Opcode = 0x14 // A <- B % C
	OpNeg     Opcode = 0x15 // A <- -B
	OpNot     Opcode = 0x16 // A <- !B
	OpIsEq    Opcode = 0x17 // A <- B == C (structural)
	OpIsNotEq Opcode = 0x18 // A <- B != C
	OpIsLt    Opcode = 0x19 // A <- B < C
	OpIsLte   Opcode = 0x1A // A <- B <= C
	OpIsGt    Opcode = 0x1B // A <- B > C
	OpIsGte   Opcode = 0x1C // A <- B >= C
	OpIsNull  Opcode = 0x1D // A <- B == null
	OpIsType  Opcode = 0x1E // A <- B is Type
)

// Control flow
const (
	OpJump      Opcode = 0x20 // pc <- Jump
	OpJumpTrue  Opcode = 0x21 // if A: pc <- Jump
	OpJumpFalse Opcode = 0x22 // if !A: pc <- Jump
	OpJumpNull  Opcode = 0x23 // if A == null: pc <- Jump
	OpAssert    Opcode = 0x24 // raise AssertionFailed(Name) unless A
	OpYield     Opcode = 0x25 // let other fibers of the service run
	OpAwait     Opcode = 0x26 // Rets <- result of the future in B
)

// Calls
const (
	OpInvoke      Opcode = 0x30 // Rets <- A.Name(Args...)
	OpInvokeAsync Opcode = 0x31 // Rets[0] <- future of A.Name(Args...)
	OpInvokeSuper Opcode = 0x32 // Rets <- super.Name(Args...)
	OpCallFunc    Opcode = 0x33 // Rets <- A(Args...)
	OpMakeFunc    Opcode = 0x34 // A <- this.Name bound to Args
	OpBind        Opcode = 0x35 // A <- B bound to Args
	OpNew         Opcode = 0x36 // A <- new Type(Args...)
	OpInject      Opcode = 0x37 // A <- injected resource (Type, Name)
	OpReturn0     Opcode = 0x38 // return nothing
	OpReturn1     Opcode = 0x39 // return A
	OpReturnN     Opcode = 0x3A // return Args...
)

// Properties and arrays
const (
	OpGetProp   Opcode = 0x40 // A <- B.Name
	OpSetProp   Opcode = 0x41 // A.Name <- B
	OpNewArray  Opcode = 0x42 // A <- new Array<Type> with capacity B
	OpArrayGet  Opcode = 0x43 // A <- B[C]
	OpArraySet  Opcode = 0x44 // A[B] <- C
	OpArrayAdd  Opcode = 0x45 // A.add(B)
	OpArraySize Opcode = 0x46 // A <- size of B
)

// Exceptions
const (
	OpGuardEnter Opcode = 0x50 // push a guard with Catches
	OpGuardAll   Opcode = 0x51 // push a finally guard: A <- null, handler at Jump
	OpGuardExit  Opcode = 0x52 // pop the innermost guard, pc <- Jump
	OpCatchEnd   Opcode = 0x53 // end of a catch block, pc <- Jump
	OpFinallyEnd Opcode = 0x54 // rethrow A if it holds an exception
	OpThrow      Opcode = 0x55 // raise the exception in A
)

// OpcodeInfo describes an opcode.
type OpcodeInfo struct {
	Name     string // human-readable name
	Operands string // operand fields the opcode uses
	Branches bool   // uses the Jump field
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:       {"NOP", "", false},
	OpLoadConst: {"LOAD_CONST", "A Value", false},
	OpLoadNull:  {"LOAD_NULL", "A", false},
	OpLoadThis:  {"LOAD_THIS", "A", false},
	OpMove:      {"MOVE", "A B", false},
	OpPop:       {"POP", "A", false},
	OpPush:      {"PUSH", "A", false},

	OpAdd:     {"ADD", "A B C", false},
	OpSub:     {"SUB", "A B C", false},
	OpMul:     {"MUL", "A B C", false},
	OpDiv:     {"DIV", "A B C", false},
	OpMod:     {"MOD", "A B C", false},
	OpNeg:     {"NEG", "A B", false},
	OpNot:     {"NOT", "A B", false},
	OpIsEq:    {"IS_EQ", "A B C", false},
	OpIsNotEq: {"IS_NEQ", "A B C", false},
	OpIsLt:    {"IS_LT", "A B C", false},
	OpIsLte:   {"IS_LTE", "A B C", false},
	OpIsGt:    {"IS_GT", "A B C", false},
	OpIsGte:   {"IS_GTE", "A B C", false},
	OpIsNull:  {"IS_NULL", "A B", false},
	OpIsType:  {"IS_TYPE", "A B Type", false},

	OpJump:      {"JUMP", "Jump", true},
	OpJumpTrue:  {"JUMP_TRUE", "A Jump", true},
	OpJumpFalse: {"JUMP_FALSE", "A Jump", true},
	OpJumpNull:  {"JUMP_NULL", "A Jump", true},
	OpAssert:    {"ASSERT", "A Name", false},
	OpYield:     {"YIELD", "", false},
	OpAwait:     {"AWAIT", "B Rets", false},

	OpInvoke:      {"INVOKE", "A Name Args Rets", false},
	OpInvokeAsync: {"INVOKE_ASYNC", "A Name Args Rets", false},
	OpInvokeSuper: {"INVOKE_SUPER", "Args Rets", false},
	OpCallFunc:    {"CALL", "A Args Rets", false},
	OpMakeFunc:    {"MAKE_FUNC", "A Name Args", false},
	OpBind:        {"BIND", "A B Args", false},
	OpNew:         {"NEW", "A Type Args", false},
	OpInject:      {"INJECT", "A Type Name", false},
	OpReturn0:     {"RETURN_0", "", false},
	OpReturn1:     {"RETURN_1", "A", false},
	OpReturnN:     {"RETURN_N", "Args", false},

	OpGetProp:   {"GET_PROP", "A B Name", false},
	OpSetProp:   {"SET_PROP", "A Name B", false},
	OpNewArray:  {"NEW_ARRAY", "A Type B", false},
	OpArrayGet:  {"ARRAY_GET", "A B C", false},
	OpArraySet:  {"ARRAY_SET", "A B C", false},
	OpArrayAdd:  {"ARRAY_ADD", "A B", false},
	OpArraySize: {"ARRAY_SIZE", "A B", false},

	OpGuardEnter: {"GUARD", "Catches", false},
	OpGuardAll:   {"GUARD_ALL", "A Jump", true},
	OpGuardExit:  {"GUARD_EXIT", "Jump", true},
	OpCatchEnd:   {"CATCH_END", "Jump", true},
	OpFinallyEnd: {"FINALLY_END", "A", false},
	OpThrow:      {"THROW", "A", false},
}

// Info returns metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ParseOpcode looks an opcode up by name, case-insensitively.
func ParseOpcode(name string) (Opcode, bool) {
	name = strings.ToUpper(name)
	for op, info := range opcodeTable {
		if info.Name == name {
			return op, true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

// Instruction is one resolved instruction. Which fields are meaningful
// depends on the opcode (see opcodeTable).
type Instruction struct {
	Op      Opcode
	A, B, C int
	Args    []int   // argument registers
	Rets    []int   // result registers, in declared order
	Stack   bool    // push results on the operand stack instead of Rets
	Value   Handle  // constant operand
	Name    string  // method signature, property, resource or message
	Type    string  // type name operand
	Jump    int     // branch target
	Catches []Catch // GUARD clauses, innermost first
}

// Catch is one clause of a guard: exceptions of Type are bound to Reg and
// execution continues at Handler.
type Catch struct {
	Type    string
	Reg     int
	Handler int
}

func (in Instruction) String() string {
	var b strings.Builder
	b.WriteString(in.Op.Name())
	info := in.Op.Info()
	for _, f := range strings.Fields(info.Operands) {
		switch f {
		case "A":
			fmt.Fprintf(&b, " r%d", in.A)
		case "B":
			fmt.Fprintf(&b, " r%d", in.B)
		case "C":
			fmt.Fprintf(&b, " r%d", in.C)
		case "Value":
			fmt.Fprintf(&b, " %s", orNull(in.Value))
		case "Name":
			fmt.Fprintf(&b, " %s", in.Name)
		case "Type":
			fmt.Fprintf(&b, " %s", in.Type)
		case "Jump":
			fmt.Fprintf(&b, " @%d", in.Jump)
		case "Args":
			fmt.Fprintf(&b, " args%v", in.Args)
		case "Rets":
			if in.Stack {
				b.WriteString(" -> stack")
			} else {
				fmt.Fprintf(&b, " -> %v", in.Rets)
			}
		case "Catches":
			for _, c := range in.Catches {
				fmt.Fprintf(&b, " [%s r%d @%d]", c.Type, c.Reg, c.Handler)
			}
		}
	}
	return b.String()
}

// Disassemble renders code one instruction per line.
func Disassemble(code []Instruction) string {
	var b strings.Builder
	for pc, in := range code {
		fmt.Fprintf(&b, "%4d  %s\n", pc, in)
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Builder: helper for constructing instruction sequences
// ---------------------------------------------------------------------------

// Builder assembles an instruction sequence with forward-referencing labels.
type Builder struct {
	code   []Instruction
	labels []*Label
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{code: make([]Instruction, 0, 32)}
}

// Len returns the number of instructions emitted so far.
func (b *Builder) Len() int { return len(b.code) }

// Emit appends an instruction and returns its position.
func (b *Builder) Emit(in Instruction) int {
	b.code = append(b.code, in)
	return len(b.code) - 1
}

// Op emits an instruction using the A, B and C registers.
func (b *Builder) Op(op Opcode, regs ...int) int {
	in := Instruction{Op: op}
	for i, r := range regs {
		switch i {
		case 0:
			in.A = r
		case 1:
			in.B = r
		case 2:
			in.C = r
		}
	}
	return b.Emit(in)
}

// LoadConst emits LOAD_CONST.
func (b *Builder) LoadConst(dst int, v Handle) int {
	return b.Emit(Instruction{Op: OpLoadConst, A: dst, Value: v})
}

// Invoke emits INVOKE on the receiver in register target.
func (b *Builder) Invoke(target int, sig string, args []int, rets ...int) int {
	return b.Emit(Instruction{Op: OpInvoke, A: target, Name: sig, Args: args, Rets: rets})
}

// InvokeAsync emits INVOKE_ASYNC storing the future in ret.
func (b *Builder) InvokeAsync(target int, sig string, args []int, ret int) int {
	return b.Emit(Instruction{Op: OpInvokeAsync, A: target, Name: sig, Args: args, Rets: []int{ret}})
}

// New emits NEW.
func (b *Builder) New(dst int, typ string, args ...int) int {
	return b.Emit(Instruction{Op: OpNew, A: dst, Type: typ, Args: args})
}

// Return1 emits RETURN_1.
func (b *Builder) Return1(r int) int { return b.Op(OpReturn1, r) }

// Return0 emits RETURN_0.
func (b *Builder) Return0() int { return b.Op(OpReturn0) }

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label is a branch target that may be referenced before it is marked.
type Label struct {
	resolved bool
	position int
	refs     []labelRef
}

type labelRef struct {
	pc    int
	catch int // index into Catches, or -1 for the Jump field
}

// NewLabel creates an unresolved label.
func (b *Builder) NewLabel() *Label {
	l := &Label{}
	b.labels = append(b.labels, l)
	return l
}

// Mark resolves a label to the next instruction's position.
func (b *Builder) Mark(l *Label) {
	if l.resolved {
		panic("label already resolved")
	}
	l.resolved = true
	l.position = len(b.code)
	for _, ref := range l.refs {
		b.patch(ref, l.position)
	}
	l.refs = nil
}

func (b *Builder) patch(ref labelRef, target int) {
	if ref.catch < 0 {
		b.code[ref.pc].Jump = target
	} else {
		b.code[ref.pc].Catches[ref.catch].Handler = target
	}
}

func (b *Builder) reference(l *Label, ref labelRef) {
	if l.resolved {
		b.patch(ref, l.position)
		return
	}
	l.refs = append(l.refs, ref)
}

// EmitJump emits a branching opcode targeting l. The register operand is
// ignored for unconditional opcodes.
func (b *Builder) EmitJump(op Opcode, reg int, l *Label) int {
	pc := b.Emit(Instruction{Op: op, A: reg})
	b.reference(l, labelRef{pc: pc, catch: -1})
	return pc
}

// CatchLabel is a Catch whose handler is a label.
type CatchLabel struct {
	Type    string
	Reg     int
	Handler *Label
}

// EmitGuard emits GUARD with the given clauses.
func (b *Builder) EmitGuard(clauses ...CatchLabel) int {
	in := Instruction{Op: OpGuardEnter, Catches: make([]Catch, len(clauses))}
	for i, c := range clauses {
		in.Catches[i] = Catch{Type: c.Type, Reg: c.Reg}
	}
	pc := b.Emit(in)
	for i, c := range clauses {
		b.reference(c.Handler, labelRef{pc: pc, catch: i})
	}
	return pc
}

// EmitGuardAll emits GUARD_ALL: the finally block at handler receives the
// pending exception (or null) in reg.
func (b *Builder) EmitGuardAll(reg int, handler *Label) int {
	return b.EmitJump(OpGuardAll, reg, handler)
}

// Code returns the finished sequence. Every label must have been marked.
func (b *Builder) Code() ([]Instruction, error) {
	for _, l := range b.labels {
		if !l.resolved && len(l.refs) > 0 {
			return nil, fmt.Errorf("unresolved label referenced at %d", l.refs[0].pc)
		}
	}
	return b.code, nil
}

// MustCode is Code for builders known to be complete.
func (b *Builder) MustCode() []Instruction {
	code, err := b.Code()
	if err != nil {
		panic(err)
	}
	return code
}
