//go:build !linux

package intercept

import "os"

func currentThreadID() int { return os.Getpid() }
