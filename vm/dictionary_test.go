package vm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDictionaryPutGetRoundTrip(t *testing.T) {
	d := NewDictionary()
	d.Put(Name("foo"), Num(1))
	d.Put(Name("bar"), Str("baz"))

	v, ok := d.GetStr("foo")
	require.True(t, ok)
	require.Equal(t, Num(1), v)

	v, ok = d.GetStr("bar")
	require.True(t, ok)
	require.Equal(t, Str("baz"), v)

	_, ok = d.GetStr("missing")
	require.False(t, ok)
}

func TestDictionaryGrowsPastInitialCapacity(t *testing.T) {
	d := NewDictionary()
	const n = 200
	for i := 0; i < n; i++ {
		d.Put(Name(fmt.Sprintf("word%d", i)), Num(float64(i)))
	}
	require.Equal(t, n, d.Len())
	require.Greater(t, d.capacity, dictInitialCapacity)

	for i := 0; i < n; i++ {
		v, ok := d.GetStr(fmt.Sprintf("word%d", i))
		require.True(t, ok)
		require.Equal(t, Num(float64(i)), v)
	}
}

func TestDictionaryPutOverwritesExistingKey(t *testing.T) {
	d := NewDictionary()
	d.Put(Name("x"), Num(1))
	d.Put(Name("x"), Num(2))
	require.Equal(t, 1, d.Len())
	v, ok := d.GetStr("x")
	require.True(t, ok)
	require.Equal(t, Num(2), v)
}
