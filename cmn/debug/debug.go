// Package debug provides build-tag gated assertions: zero cost in production
// builds, active only when built with `-tags debug`, in the shape of the
// teacher's cmn/debug.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package debug

// Assert panics with the given args if cond is false. Callers are expected
// to guard the expensive predicate themselves when `debug` is not set -
// see Func below.
func Assert(cond bool, args ...any) {
	if !Enabled {
		return
	}
	if !cond {
		panic(assertMsg(args...))
	}
}

func Assertf(cond bool, format string, args ...any) {
	if !Enabled {
		return
	}
	if !cond {
		panic(assertMsgf(format, args...))
	}
}

func AssertNoErr(err error) {
	if !Enabled {
		return
	}
	if err != nil {
		panic(err)
	}
}

// Func runs f only when debug is enabled - use it to guard assertions whose
// arguments are themselves expensive to compute.
func Func(f func()) {
	if Enabled {
		f()
	}
}
