//go:build windows

package progress

import (
	"os"

	"golang.org/x/sys/windows"
)

// enableANSI turns on virtual terminal processing so the bar renders.
func enableANSI(f *os.File) {
	handle := windows.Handle(f.Fd())
	var mode uint32
	if err := windows.GetConsoleMode(handle, &mode); err == nil {
		const enableVirtualTerminalProcessing = 0x0004
		_ = windows.SetConsoleMode(handle, mode|enableVirtualTerminalProcessing)
	}
}
