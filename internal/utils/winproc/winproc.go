package winproc

import "golang.org/x/sys/windows"

var (
	user32 = windows.NewLazySystemDLL("user32.dll")
	gdi32  = windows.NewLazySystemDLL("gdi32.dll")

	GetDC               = user32.NewProc("GetDC")
	ReleaseDC           = user32.NewProc("ReleaseDC")
	PrintWindow         = user32.NewProc("PrintWindow")
	GetClientRect       = user32.NewProc("GetClientRect")
	ClientToScreen      = user32.NewProc("ClientToScreen")
	GetWindowText       = user32.NewProc("GetWindowTextW")
	SetProcessDpiAware  = user32.NewProc("SetProcessDPIAware")
	SetForegroundWindow = user32.NewProc("SetForegroundWindow")
	PostMessage         = user32.NewProc("PostMessageW")
	MapVirtualKey       = user32.NewProc("MapVirtualKeyW")

	CreateCompatibleDC = gdi32.NewProc("CreateCompatibleDC")
	DeleteDC           = gdi32.NewProc("DeleteDC")
	CreateDIBSection   = gdi32.NewProc("CreateDIBSection")
	DeleteObject       = gdi32.NewProc("DeleteObject")
	SelectObject       = gdi32.NewProc("SelectObject")
	BitBlt             = gdi32.NewProc("BitBlt")
	GdiFlush           = gdi32.NewProc("GdiFlush")
)

const (
	SRCCOPY = 0x00CC0020

	WM_KEYDOWN = 0x0100
	WM_KEYUP   = 0x0101

	MAPVK_VK_TO_VSC = 0
)
