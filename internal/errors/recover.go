package errors

import "runtime/debug"

// Recover runs fn, converting any panic into a *PanicError so a
// misbehaving cycle body cannot take down the whole supervisor.
func Recover(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{
				Value:      r,
				StackTrace: string(debug.Stack()),
			}
		}
	}()
	return fn()
}
