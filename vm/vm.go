package vm

import (
	"io"
	"log"
	"math"
	"os"
	"runtime/debug"

	"github.com/pkg/errors"
)

var (
	errUnknownOpcode = errors.New("unknown bytecode opcode")
	errOutOfMemory   = errors.New("out of memory")
)

// Options configures a VM at construction time. Following the teacher's
// constructor-parameter style (NewVirtualMachine(debug bool, files...))
// rather than a config-file/env layer the retrieval pack never uses.
type Options struct {
	// Trace enables opcode-level logging to Stdout (or a dedicated writer
	// if set below) — the single-step equivalent of the teacher's debug
	// mode, minus the interactive breakpoint shell.
	Trace bool

	// StackSize hints the initial capacity of the value stack. Zero means
	// a small default; the stack still grows as needed.
	StackSize int

	Stdout io.Writer
	Stdin  io.Reader

	// TraceOutput receives trace log lines when Trace is set. Defaults to
	// Stdout.
	TraceOutput io.Writer

	// FatalHandler is invoked when the VM hits an unrecoverable condition
	// (unknown opcode, out-of-memory, or a recovered Go panic) per
	// spec.md §4.3. Defaults to printing to stderr and calling os.Exit(1);
	// overridable so embedders (and tests) can avoid terminating the
	// process.
	FatalHandler func(error)
}

// VM is the bytecode interpreter: a program counter over Code, a value
// stack, a disjoint return-address stack, and the shared Dictionary. It
// generalizes the teacher's register-machine VM (vm.go/run.go) into the
// stack/heap machine spec.md §3-4.3 describes.
type VM struct {
	Code []byte
	Dict *Dictionary

	Stack  []Value
	Return []uint32
	PC     uint32
	Halted bool

	Stdout io.Writer
	Stdin  io.Reader

	trace        *log.Logger
	nativeTable  *nativeTable
	fatalHandler func(error)
}

func New(opts Options) *VM {
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	traceOut := opts.TraceOutput
	if traceOut == nil {
		traceOut = stdout
	}
	logOut := io.Discard
	if opts.Trace {
		logOut = traceOut
	}
	fatal := opts.FatalHandler
	if fatal == nil {
		fatal = defaultFatalHandler
	}

	vm := &VM{
		Dict:         NewDictionary(),
		Stack:        make([]Value, 0, max(opts.StackSize, 32)),
		Stdout:       stdout,
		Stdin:        stdin,
		trace:        log.New(logOut, "", 0),
		fatalHandler: fatal,
	}
	vm.nativeTable = newNativeTable()
	registerBuiltins(vm)
	return vm
}

func defaultFatalHandler(err error) {
	os.Stderr.WriteString(err.Error() + "\n")
	os.Exit(1)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// RegisterNative installs a host function under name, callable from
// compiled bytecode via OP_INVOKE. Matches spec.md §6's
// register_native(ctx, name, fn). Shadowing an existing name rebinds
// future compiles only — call sites already compiled to the old index
// keep calling the old function (spec.md §9, early binding).
func (vm *VM) RegisterNative(name string, fn func(*VM)) {
	idx := vm.nativeTable.register(name, 0, false, fn)
	vm.Dict.Put(Name(name), NativeVal(idx))
}

// --- stack helpers ---

func (vm *VM) push(v Value) { vm.Stack = append(vm.Stack, v) }

func (vm *VM) pop() Value {
	n := len(vm.Stack)
	v := vm.Stack[n-1]
	vm.Stack = vm.Stack[:n-1]
	return v
}

func (vm *VM) peek() Value { return vm.Stack[len(vm.Stack)-1] }

// requireStack pushes a Stack-underflow Error and reports false if the
// stack holds fewer than n values, matching spec.md §4.3's underflow rule
// and the "Stack underflow! (actual < required)" message text.
func (vm *VM) requireStack(n int) bool {
	if len(vm.Stack) < n {
		vm.push(Errf("Stack underflow! (%d < %d)", len(vm.Stack), n))
		return false
	}
	return true
}

func removeAt(items []Value, idx int) ([]Value, Value) {
	v := items[idx]
	copy(items[idx:], items[idx+1:])
	return items[:len(items)-1], v
}

// --- execution ---

// Eval compiles and executes a UTF-8 source buffer against the VM's
// existing dictionary and bytecode, per spec.md §6's eval(ctx, source).
// Returns false on compile failure or a fatal runtime condition; returns
// true otherwise, even if the evaluation left an Error Value on the stack
// (spec.md: the VM never unwinds on recoverable errors).
func (vm *VM) Eval(source string) bool {
	r := NewReader([]byte(source))
	if err := vm.Compile(r, ModeTopLevel); err != nil {
		os.Stderr.WriteString(errors.Wrap(err, "compile").Error() + "\n")
		return false
	}
	return vm.run()
}

func (vm *VM) run() (ok bool) {
	ok = true
	defer func() {
		if r := recover(); r != nil {
			ok = false
			if pcPos := vm.PC; pcPos > 0 {
				vm.PC = pcPos - 1
			}
			vm.fatalHandler(errors.Errorf("segmentation fault: %v", r))
		}
	}()

	gcPercent := debug.SetGCPercent(-1)
	defer debug.SetGCPercent(gcPercent)

	vm.Halted = false
	for !vm.Halted {
		if err := vm.step(); err != nil {
			ok = false
			vm.fatalHandler(err)
			return
		}
	}
	return
}

func (vm *VM) next() byte {
	b := vm.Code[vm.PC]
	vm.PC++
	return b
}

func (vm *VM) nextAddr24() uint32 {
	hi := uint32(vm.next())
	mid := uint32(vm.next())
	lo := uint32(vm.next())
	return (hi << 16) | (mid << 8) | lo
}

func (vm *VM) nextU16() uint16 {
	hi := uint16(vm.next())
	lo := uint16(vm.next())
	return (hi << 8) | lo
}

// step executes exactly one opcode. It returns a non-nil error only for an
// unknown opcode; allocation failure is left to the Go runtime, which
// terminates the process itself, so errOutOfMemory is never returned here.
func (vm *VM) step() error {
	op := Op(vm.next())
	vm.trace.Printf("[pc=%d] %s", vm.PC-1, op)

	switch op {
	case OpEnd:
		vm.Halted = true

	case OpPushNil:
		vm.push(Nil())
	case OpPushTrue:
		vm.push(True())
	case OpPushFalse:
		vm.push(False())
	case OpPushInt8:
		vm.push(Num(float64(int8(vm.next()))))
	case OpPushInt16:
		lo := uint16(vm.next())
		hi := uint16(vm.next())
		vm.push(Num(float64(int16(lo | hi<<8))))
	case OpPushNumber:
		vm.push(Num(decodeFloat64(vm.nextBytes(8))))
	case OpPushString:
		n := int(vm.next())
		vm.push(Str(string(vm.nextBytes(n))))
	case OpPushStringLong:
		n := decodeUint32LE(vm.nextBytes(4))
		vm.push(Str(string(vm.nextBytes(int(n)))))
	case OpPushName:
		n := int(vm.next())
		vm.push(Name(string(vm.nextBytes(n))))
	case OpPushRefName:
		n := int(vm.next())
		vm.push(RefName(string(vm.nextBytes(n))))
	case OpPushArray:
		vm.push(NewArray())
	case OpPushHashMap:
		vm.push(NewHashMap())
	case OpPushNative:
		vm.push(NativeVal(vm.nextU16()))
	case OpPushCodeAddr:
		vm.push(CodeAddrVal(vm.nextAddr24()))

	case OpJmp:
		vm.PC = vm.nextAddr24()
	case OpJmpTrue, OpJmpFalse:
		if vm.requireStack(1) {
			cond := vm.pop()
			takeBranch := (op == OpJmpTrue) == Truthy(cond)
			if takeBranch {
				vm.PC = vm.nextAddr24()
			} else {
				vm.PC += 3
			}
		} else {
			vm.PC += 3
		}
	case OpCall:
		addr := vm.nextAddr24()
		vm.Return = append(vm.Return, vm.PC)
		vm.PC = addr
	case OpReturn:
		if len(vm.Return) == 0 {
			// Unbalanced return with no caller: treat as program end
			// rather than panicking on a malformed/foreign bytecode
			// buffer.
			vm.Halted = true
		} else {
			n := len(vm.Return)
			vm.PC = vm.Return[n-1]
			vm.Return = vm.Return[:n-1]
		}
	case OpInvoke:
		idx := vm.nextU16()
		vm.nativeTable.call(idx, vm)

	default:
		if fn, ok := vm.nativeTable.byOp[op]; ok {
			fn(vm)
		} else {
			return errors.Wrapf(errUnknownOpcode, "opcode %d at pc %d", op, vm.PC-1)
		}
	}
	return nil
}

func (vm *VM) nextBytes(n int) []byte {
	b := vm.Code[vm.PC : vm.PC+uint32(n)]
	vm.PC += uint32(n)
	return b
}

func decodeUint32LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func decodeFloat64(b []byte) float64 {
	bits := uint64(0)
	for i := 0; i < 8; i++ {
		bits |= uint64(b[i]) << (8 * i)
	}
	return math.Float64frombits(bits)
}
