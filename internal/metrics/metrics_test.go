package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeclareIsIdempotent(t *testing.T) {
	r := NewRegistry()
	a := r.Declare("v.b.soc", TypeFloat, "%", 0)
	b := r.Declare("v.b.soc", TypeFloat, "%", 0)
	require.Same(t, a, b)
}

func TestSetDoesNotBumpCounterWhenUnchanged(t *testing.T) {
	r := NewRegistry()
	m := r.Declare("v.b.soc", TypeFloat, "%", 0)
	m.SetFloat(42)
	require.EqualValues(t, 1, m.ModCount())
	first := m.LastModified()

	time.Sleep(time.Millisecond)
	m.SetFloat(42)
	require.EqualValues(t, 1, m.ModCount(), "unchanged value must not bump mod count")
	require.True(t, m.LastModified().After(first), "LastModified must still refresh")

	m.SetFloat(43)
	require.EqualValues(t, 2, m.ModCount())
}

func TestAutostale(t *testing.T) {
	r := NewRegistry()
	m := r.Declare("v.pos.latitude", TypeFloat, "deg", 50*time.Millisecond)
	m.SetFloat(51.5)
	require.False(t, m.Stale(time.Now()))
	require.True(t, m.Stale(time.Now().Add(100*time.Millisecond)))
}

func TestNeverStaleWhenZero(t *testing.T) {
	r := NewRegistry()
	m := r.Declare("m.version", TypeString, "", 0)
	m.SetString("3.3.0")
	require.False(t, m.Stale(time.Now().Add(24*time.Hour)))
}

func TestFloatVectorChangeDetection(t *testing.T) {
	r := NewRegistry()
	m := r.Declare("v.tp.fl", TypeFloatVector, "kPa", 0)
	m.SetFloatVector([]float64{220, 221, 219, 222})
	require.EqualValues(t, 1, m.ModCount())
	m.SetFloatVector([]float64{220, 221, 219, 222})
	require.EqualValues(t, 1, m.ModCount())
	m.SetFloatVector([]float64{220, 221, 219, 223})
	require.EqualValues(t, 2, m.ModCount())
}

func TestBoolAndInt(t *testing.T) {
	r := NewRegistry()
	b := r.Declare("v.c.charging", TypeBool, "", 0)
	b.SetBool(true)
	require.True(t, b.Bool())
	i := r.Declare("v.e.rpm", TypeInt, "rpm", 0)
	i.SetInt(1500)
	require.EqualValues(t, 1500, i.Int())
}
