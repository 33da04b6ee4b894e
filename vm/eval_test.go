package vm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func evalOK(t *testing.T, source string) (*VM, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	machine := New(Options{Stdout: &out})
	ok := machine.Eval(source)
	require.True(t, ok, "eval of %q unexpectedly failed", source)
	return machine, &out
}

func TestEvalArithmeticAndComments(t *testing.T) {
	machine, _ := evalOK(t, "# c\n 1 2 3 + # c2\n +")
	require.Len(t, machine.Stack, 1)
	require.Equal(t, Num(6), machine.Stack[0])
}

func TestEvalDefinition(t *testing.T) {
	machine, _ := evalOK(t, ": pi 3.1415 ;  2 pi *")
	require.Len(t, machine.Stack, 1)
	require.InDelta(t, 6.283, machine.Stack[0].Number, 1e-9)
}

func TestEvalComparison(t *testing.T) {
	machine, _ := evalOK(t, "7 10 <")
	require.Len(t, machine.Stack, 1)
	require.Equal(t, True(), machine.Stack[0])
}

func TestEvalIfElse(t *testing.T) {
	machine, _ := evalOK(t, `10 2 < if "small" else "big" then`)
	require.Len(t, machine.Stack, 1)
	require.Equal(t, Str("big"), machine.Stack[0])
}

func TestEvalReferenceCells(t *testing.T) {
	machine, _ := evalOK(t, "@x 40 ! @x [2 +] !! @x ?")
	require.Len(t, machine.Stack, 1)
	require.Equal(t, Num(42), machine.Stack[0])
}

func TestEvalArrayBlockEach(t *testing.T) {
	machine, _ := evalOK(t, "[1 2 3] [2 *] each")
	require.Len(t, machine.Stack, 1)
	require.Equal(t, NewArray(Num(2), Num(4), Num(6)), machine.Stack[0])
}

func TestEvalPickUnderflow(t *testing.T) {
	machine, _ := evalOK(t, "1 2 42 pick")
	require.Len(t, machine.Stack, 3)
	top := machine.Stack[2]
	require.Equal(t, TagError, top.Tag)
	require.Equal(t, "Stack underflow! (2 < 43)", top.Str)
}

func TestFalsinessLaw(t *testing.T) {
	require.True(t, Falsy(Nil()))
	require.True(t, Falsy(False()))
	require.False(t, Falsy(True()))
	require.False(t, Falsy(Num(0)))
	require.False(t, Falsy(Str("")))
}

func TestStackShuffleOps(t *testing.T) {
	machine, _ := evalOK(t, "1 2 3 rot")
	require.Equal(t, []Value{Num(2), Num(3), Num(1)}, machine.Stack)

	machine, _ = evalOK(t, "1 2 swap")
	require.Equal(t, []Value{Num(2), Num(1)}, machine.Stack)

	machine, _ = evalOK(t, "1 2 over")
	require.Equal(t, []Value{Num(1), Num(2), Num(1)}, machine.Stack)
}

func TestNumberEncodingRoundTrips(t *testing.T) {
	cases := []float64{0, 1, -1, 127, -128, 128, 32767, -32768, 32768, 3.1415, -2.5}
	for _, n := range cases {
		machine := New(Options{Stdout: &bytes.Buffer{}})
		machine.emitNumber(n)
		machine.emitOp(OpEnd)
		machine.PC = 0
		ok := machine.run()
		require.True(t, ok)
		require.Len(t, machine.Stack, 1)
		require.InDelta(t, n, machine.Stack[0].Number, 1e-9)
	}
}

func TestUnderflowSafetyNeverCrashesAndBoundsStackDelta(t *testing.T) {
	machine, _ := evalOK(t, "+")
	require.Len(t, machine.Stack, 1)
	require.Equal(t, TagError, machine.Stack[0].Tag)

	machine, _ = evalOK(t, "dup")
	require.Len(t, machine.Stack, 1)
	require.Equal(t, TagError, machine.Stack[0].Tag)
}

func TestDefinitionHygieneRebindsFutureCallsOnly(t *testing.T) {
	machine, _ := evalOK(t, ": inc 1 + ; : twice inc inc ; 5 twice")
	require.Equal(t, Num(7), machine.Stack[0])

	// Redefining inc only changes what NEW compiles resolve to; "twice"
	// was already compiled against the old CodeAddr and keeps adding 1.
	ok := machine.Eval(": inc 2 + ; 6 twice")
	require.True(t, ok)
	require.Equal(t, Num(8), machine.Stack[1])
}
