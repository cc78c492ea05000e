// Package cos provides common low-level types and utilities shared by every
// Open-MX package: error classification, a close-once signal channel, and
// assorted small helpers. Grounded on the teacher's cmn/cos/err.go.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/open-mx/openmx/cmn/atomic"
)

type ErrValue struct {
	atomic.Value
	cnt atomic.Int64
}

func (ea *ErrValue) Store(err error) {
	if ea.cnt.Inc() == 1 {
		ea.Value.Store(err)
	}
}

func (ea *ErrValue) _load() (err error) {
	if x := ea.Value.Load(); x != nil {
		err = x.(error)
	}
	return
}

func (ea *ErrValue) Err() (err error) {
	err = ea._load()
	if err != nil {
		if cnt := ea.cnt.Load(); cnt > 1 {
			err = fmt.Errorf("%w (cnt=%d)", err, cnt)
		}
	}
	return
}

////////////////////////
// IS-syscall helpers //
////////////////////////

func IsErrConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

func IsErrConnectionReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || IsErrBrokenPipe(err)
}

func IsErrBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE)
}

func IsErrTimedOut(err error) bool {
	return errors.Is(err, syscall.ETIMEDOUT)
}
