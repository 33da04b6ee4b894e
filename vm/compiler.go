package vm

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// CompileMode selects which terminator token ends a compile invocation and
// which epilogue bytes it emits on exit. See spec.md §4.2.
type CompileMode int

const (
	ModeTopLevel CompileMode = iota
	ModeDefinition
	ModeArray
	ModeHashMap
	ModeIf
	ModeIfElse
)

// quoting reports whether names resolved while compiling in this mode
// should be pushed as opaque values instead of invoked. This is the
// resolution to the array-literal-as-block open question recorded in
// DESIGN.md: a Name inside an array or hashmap literal that would
// otherwise CALL or INVOKE is instead pushed as a Native/CodeAddr value,
// so `[2 *]` builds a two-element array rather than eagerly multiplying.
func (m CompileMode) quoting() bool {
	return m == ModeArray || m == ModeHashMap
}

// Compile pulls tokens from r and appends bytecode to vm.Code until the
// mode's terminator is reached. It is the single recursive-descent entry
// point for every nesting level (arrays-in-arrays, if-in-if, definitions).
func (vm *VM) Compile(r *Reader, mode CompileMode) error {
	if mode == ModeTopLevel && len(vm.Code) > 0 {
		last := vm.Code[len(vm.Code)-1]
		if last != byte(OpEnd) {
			return errors.Errorf("compiler: bytecode buffer in bad state, expected trailing END, got opcode %d", last)
		}
		vm.Code = vm.Code[:len(vm.Code)-1]
		vm.PC--
	}

	hashMapItems := 0
	tok := r.Next()
	for {
		if done, err := modeDone(mode, tok); err != nil {
			return err
		} else if done {
			break
		}
		if tok.Tag == TagEof {
			return errors.New("compiler: unexpected EOF inside compilation")
		}
		pushesValue := tok.Tag != TagDefStart

		next, err := vm.compileToken(r, mode, tok)
		if err != nil {
			return err
		}
		if pushesValue {
			switch mode {
			case ModeArray:
				// Every value compiled in array mode is appended as soon as
				// it's pushed, not once per comma-delimited segment —
				// `[1 2 3]` has no commas at all and still needs three
				// APUSHes.
				vm.emitOp(OpApush)
			case ModeHashMap:
				hashMapItems++
				if hashMapItems%2 == 0 {
					vm.emitOp(OpHmput)
				}
			}
		}
		tok = next
	}

	switch mode {
	case ModeTopLevel:
		vm.emitOp(OpEnd)
	case ModeDefinition:
		vm.emitOp(OpReturn)
	}
	return nil
}

func modeDone(mode CompileMode, tok Value) (bool, error) {
	switch mode {
	case ModeTopLevel:
		return tok.Tag == TagEof, nil
	case ModeDefinition:
		return tok.Tag == TagDefEnd, nil
	case ModeArray:
		return tok.Tag == TagComma || tok.Tag == TagArrayEnd, nil
	case ModeHashMap:
		return tok.Tag == TagComma || tok.Tag == TagHashMapEnd, nil
	case ModeIf:
		return tok.Tag == TagName && (tok.Str == "else" || tok.Str == "then"), nil
	case ModeIfElse:
		return tok.Tag == TagName && tok.Str == "then", nil
	}
	return false, errors.Errorf("compiler: unknown mode %d", mode)
}

// compileToken compiles a single token and returns the token that should
// be considered "next" by the caller's loop — ordinarily a fresh read, but
// the pick/move lookahead rule needs to re-enter the loop with an already
// peeked token instead of discarding it.
func (vm *VM) compileToken(r *Reader, mode CompileMode, tok Value) (Value, error) {
	switch tok.Tag {
	case TagNil, TagTrue, TagFalse, TagString:
		vm.emitLiteral(tok)
		return r.Next(), nil

	case TagRefName:
		vm.emitOp(OpPushRefName)
		vm.emitRawBytes(tok.Str)
		return r.Next(), nil

	case TagNumber:
		return vm.compileNumber(r, tok)

	case TagName:
		return vm.compileName(r, mode, tok)

	case TagDefStart:
		if err := vm.compileDefinition(r); err != nil {
			return Value{}, err
		}
		return r.Next(), nil

	case TagArrayStart:
		if err := vm.compileArray(r); err != nil {
			return Value{}, err
		}
		return r.Next(), nil

	case TagHashMapStart:
		if err := vm.compileHashMap(r); err != nil {
			return Value{}, err
		}
		return r.Next(), nil

	case TagError:
		return Value{}, errors.New(tok.Str)

	default:
		return Value{}, errors.Errorf("compiler: unexpected token %s", tok.Tag)
	}
}

// compileNumber implements the pick/move fusion lookahead: a small integer
// N in [1,5] peeks the next token, and if it is the Name "pick" or "move"
// the whole thing collapses into one fused opcode.
func (vm *VM) compileNumber(r *Reader, tok Value) (Value, error) {
	n := int(tok.Number)
	if tok.Number == float64(n) && n >= 1 && n <= 5 {
		next := r.Next()
		if next.Tag == TagName && next.Str == "pick" {
			vm.emitOp(PickOp(n))
			return r.Next(), nil
		}
		if next.Tag == TagName && next.Str == "move" {
			vm.emitOp(MoveOp(n))
			return r.Next(), nil
		}
		vm.emitLiteral(tok)
		return next, nil
	}
	vm.emitLiteral(tok)
	return r.Next(), nil
}

func (vm *VM) compileName(r *Reader, mode CompileMode, tok Value) (Value, error) {
	if tok.Str == "if" {
		if err := vm.compileIf(r); err != nil {
			return Value{}, err
		}
		return r.Next(), nil
	}

	entry, ok := vm.Dict.GetStr(tok.Str)
	if !ok {
		if mode.quoting() {
			// Inside an array/hashmap literal an unresolved name isn't an
			// error — it's quoted data, pushed as a bare Name value.
			vm.emitOp(OpPushName)
			vm.emitRawBytes(tok.Str)
			return r.Next(), nil
		}
		return Value{}, errors.Errorf("compiler: undefined word %q", tok.Str)
	}

	switch entry.Tag {
	case TagCodeAddr:
		if mode.quoting() {
			vm.emitOp(OpPushCodeAddr)
			vm.emitAddr24(entry.CodeAddr)
		} else {
			vm.emitOp(OpCall)
			vm.emitAddr24(entry.CodeAddr)
		}
	case TagNative:
		if mode.quoting() {
			vm.emitOp(OpPushNative)
			vm.emitU16(entry.Native)
		} else if op, dedicated := vm.nativeTable.dedicatedOp(entry.Native); dedicated {
			vm.emitOp(op)
		} else {
			vm.emitOp(OpInvoke)
			vm.emitU16(entry.Native)
		}
	default:
		return Value{}, errors.Errorf("compiler: dictionary entry for %q is not callable", tok.Str)
	}
	return r.Next(), nil
}

func (vm *VM) compileIf(r *Reader) error {
	beforePos := len(vm.Code)
	vm.emitOp(OpJmpFalse)
	vm.emitAddr24(0) // placeholder

	if err := vm.Compile(r, ModeIf); err != nil {
		return err
	}

	switch {
	case r.LastToken.Tag == TagName && r.LastToken.Str == "then":
		afterPos := uint32(len(vm.Code))
		vm.patchAddr24(beforePos+1, afterPos)
		return nil

	case r.LastToken.Tag == TagName && r.LastToken.Str == "else":
		afterThenPos := len(vm.Code)
		vm.emitOp(OpJmp)
		vm.emitAddr24(0) // placeholder, patched after else-block

		elsePos := uint32(len(vm.Code))
		if err := vm.Compile(r, ModeIfElse); err != nil {
			return err
		}
		if !(r.LastToken.Tag == TagName && r.LastToken.Str == "then") {
			return errors.Errorf("compiler: expected 'then' to end if/else, got %s", r.LastToken.Tag)
		}

		vm.patchAddr24(beforePos+1, elsePos)
		afterElsePos := uint32(len(vm.Code))
		vm.patchAddr24(afterThenPos+1, afterElsePos)
		return nil

	default:
		return errors.Errorf("compiler: if/else/then failed, unexpected terminator %s", r.LastToken.Tag)
	}
}

func (vm *VM) compileDefinition(r *Reader) error {
	jumpPos := len(vm.Code)
	vm.emitOp(OpJmp)
	vm.emitAddr24(0) // placeholder, patched to post-body pc

	start := uint32(len(vm.Code))
	name := r.Next()
	if name.Tag != TagName {
		return errors.Errorf("compiler: expected name for definition, got %s", name.Tag)
	}

	if err := vm.Compile(r, ModeDefinition); err != nil {
		return err
	}

	after := uint32(len(vm.Code))
	vm.patchAddr24(jumpPos+1, after)
	vm.Dict.Put(Name(name.Str), CodeAddrVal(start))
	return nil
}

func (vm *VM) compileArray(r *Reader) error {
	vm.emitOp(OpPushArray)
	for {
		if err := vm.Compile(r, ModeArray); err != nil {
			return err
		}
		if r.LastToken.Tag != TagComma {
			break
		}
	}
	if r.LastToken.Tag != TagArrayEnd {
		return errors.Errorf("compiler: expected ']', got %s", r.LastToken.Tag)
	}
	return nil
}

func (vm *VM) compileHashMap(r *Reader) error {
	vm.emitOp(OpPushHashMap)
	for {
		if err := vm.Compile(r, ModeHashMap); err != nil {
			return err
		}
		if r.LastToken.Tag != TagComma {
			break
		}
	}
	if r.LastToken.Tag != TagHashMapEnd {
		return errors.Errorf("compiler: expected '}', got %s", r.LastToken.Tag)
	}
	return nil
}

// --- emission helpers ---

func (vm *VM) emit(b byte) { vm.Code = append(vm.Code, b) }

func (vm *VM) emitOp(op Op) { vm.emit(byte(op)) }

func (vm *VM) emitAddr24(addr uint32) {
	vm.emit(byte(addr >> 16))
	vm.emit(byte(addr >> 8))
	vm.emit(byte(addr))
}

func (vm *VM) patchAddr24(pos int, addr uint32) {
	vm.Code[pos] = byte(addr >> 16)
	vm.Code[pos+1] = byte(addr >> 8)
	vm.Code[pos+2] = byte(addr)
}

func (vm *VM) emitU16(n uint16) {
	vm.emit(byte(n >> 8))
	vm.emit(byte(n))
}

// emitRawBytes writes a bare 1-byte-length-prefixed byte run with no opcode
// of its own — used by opcodes like OP_PUSH_REFNAME whose operand format is
// a length-prefixed name rather than a full literal-string push. Names are
// bounded by the Reader's own identifier grammar, well under 255 bytes.
func (vm *VM) emitRawBytes(s string) {
	vm.emit(byte(len(s)))
	vm.Code = append(vm.Code, s...)
}

func (vm *VM) emitString(s string) {
	if len(s) <= 255 {
		vm.emitOp(OpPushString)
		vm.emit(byte(len(s)))
		vm.Code = append(vm.Code, s...)
		return
	}
	vm.emitOp(OpPushStringLong)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(len(s)))
	vm.Code = append(vm.Code, buf[:]...)
	vm.Code = append(vm.Code, s...)
}

func (vm *VM) emitLiteral(v Value) {
	switch v.Tag {
	case TagNil:
		vm.emitOp(OpPushNil)
	case TagTrue:
		vm.emitOp(OpPushTrue)
	case TagFalse:
		vm.emitOp(OpPushFalse)
	case TagString:
		vm.emitString(v.Str)
	case TagNumber:
		vm.emitNumber(v.Number)
	}
}

func (vm *VM) emitNumber(n float64) {
	i := int64(n)
	switch {
	case n == float64(i) && i >= -128 && i <= 127:
		vm.emitOp(OpPushInt8)
		vm.emit(byte(int8(i)))
	case n == float64(i) && i >= -32768 && i <= 32767:
		vm.emitOp(OpPushInt16)
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], uint16(int16(i)))
		vm.Code = append(vm.Code, buf[:]...)
	default:
		vm.emitOp(OpPushNumber)
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(n))
		vm.Code = append(vm.Code, buf[:]...)
	}
}
