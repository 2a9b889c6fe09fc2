// Package assert checks constructor preconditions. A failed assertion is a
// wiring bug, so it panics.
package assert

import (
	"fmt"
	"reflect"
)

// NotNil panics when value is nil, including typed nil pointers, maps, slices,
// funcs and channels held in an interface.
func NotNil(name string, value any) {
	if value == nil {
		panic(fmt.Sprintf("expected %s to be not nil", name))
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		if v.IsNil() {
			panic(fmt.Sprintf("expected %s to be not nil", name))
		}
	}
}

func NotEmptyStr(name, str string) {
	if str == "" {
		panic(fmt.Sprintf("expected %s to be non-empty", name))
	}
}
