//go:build !debug

package debug

const Enabled = false

func assertMsg(args ...any) any               { return nil }
func assertMsgf(format string, args ...any) any { return nil }
