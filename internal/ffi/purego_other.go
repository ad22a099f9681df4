//go:build !((linux || darwin) && (amd64 || arm64))

package ffi

import (
	"errors"
	"runtime"
)

// NewHostBackend reports that in-process calls are not available on this
// platform.
func NewHostBackend() (Backend, error) {
	return nil, errors.New("no native call backend for " + runtime.GOOS + "/" + runtime.GOARCH)
}
