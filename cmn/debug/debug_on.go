//go:build debug

package debug

import "fmt"

const Enabled = true

func assertMsg(args ...any) any {
	return fmt.Sprintln(append([]any{"assertion failed:"}, args...)...)
}

func assertMsgf(format string, args ...any) any {
	return fmt.Sprintf("assertion failed: "+format, args...)
}
