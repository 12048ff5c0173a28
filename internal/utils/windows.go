package utils

import (
	"os"
	"syscall"

	"golang.org/x/sys/windows"
)

// HasAdminPermission reports whether the process is elevated. Posting input to
// the game window and PrintWindow captures both fail silently without it.
func HasAdminPermission() bool {
	_, err := os.Open("\\\\.\\PHYSICALDRIVE0")

	return err == nil
}

func ShowDialog(title, message string) {
	t, _ := syscall.UTF16PtrFromString(title)
	txt, _ := syscall.UTF16PtrFromString(message)

	windows.MessageBox(0, txt, t, 0)
}
