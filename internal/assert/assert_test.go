package assert

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type thing struct{}

func TestNotNil(t *testing.T) {
	var nilThing *thing
	var nilMap map[string]int

	require.Panics(t, func() { NotNil("value", nil) })
	require.Panics(t, func() { NotNil("thing", nilThing) })
	require.Panics(t, func() { NotNil("map", nilMap) })
	require.NotPanics(t, func() { NotNil("thing", &thing{}) })
	require.NotPanics(t, func() { NotNil("struct", thing{}) })
	require.NotPanics(t, func() { NotNil("int", 0) })
}

func TestNotEmptyStr(t *testing.T) {
	require.PanicsWithValue(t, "expected id to be non-empty", func() { NotEmptyStr("id", "") })
	require.NotPanics(t, func() { NotEmptyStr("id", "x") })
}
