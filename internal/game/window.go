package game

import (
	"fmt"
	"strings"
	"syscall"
	"unsafe"

	"github.com/lxn/win"
	"github.com/tantradev/kbot/internal/utils/winproc"
	"golang.org/x/sys/windows"
)

// Window is an attached game client window.
type Window struct {
	HWND  win.HWND
	PID   uint32
	Title string
}

type Process struct {
	WindowTitle string `json:"windowTitle"`
	ProcessName string `json:"processName"`
	PID         uint32 `json:"pid"`
}

// FindWindow locates the game client by process name, falling back to a
// window title substring match when no process matches.
func FindWindow(processName, windowTitle string) (*Window, error) {
	if processName != "" {
		processes, err := RunningProcesses(processName)
		if err != nil {
			return nil, err
		}

		for _, p := range processes {
			hwnd := windowForPID(p.PID)
			if hwnd == 0 {
				continue
			}

			return &Window{HWND: hwnd, PID: p.PID, Title: p.WindowTitle}, nil
		}
	}

	if windowTitle != "" {
		if w := findWindowByTitle(windowTitle); w != nil {
			return w, nil
		}
	}

	return nil, fmt.Errorf("game window not found (process %q, title %q)", processName, windowTitle)
}

// RunningProcesses snapshots the process table, keeping entries whose
// executable name matches processName. An empty processName returns every
// process that owns a window.
func RunningProcesses(processName string) ([]Process, error) {
	var processes []Process

	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(snapshot)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	err = windows.Process32First(snapshot, &entry)
	if err != nil {
		return nil, err
	}

	for {
		exe := syscall.UTF16ToString(entry.ExeFile[:])
		if processName == "" || strings.EqualFold(exe, processName) {
			hwnd := windowForPID(entry.ProcessID)
			if processName != "" || hwnd != 0 {
				processes = append(processes, Process{
					WindowTitle: titleOf(hwnd),
					ProcessName: exe,
					PID:         entry.ProcessID,
				})
			}
		}

		err = windows.Process32Next(snapshot, &entry)
		if err != nil {
			if err == windows.ERROR_NO_MORE_FILES {
				break
			}
			return nil, err
		}
	}

	return processes, nil
}

// Callbacks are registered once, NewCallback slots are never released and
// the process-wide pool is small. Per-call state travels through the
// EnumWindows param pointer.
type pidQuery struct {
	pid  uint32
	hwnd win.HWND
}

var enumWindowForPID = syscall.NewCallback(func(h win.HWND, param uintptr) uintptr {
	q := (*pidQuery)(unsafe.Pointer(param))
	var processID uint32
	win.GetWindowThreadProcessId(h, &processID)
	if processID == q.pid && h != 0 {
		q.hwnd = h
		return 0 // Stop enumeration
	}
	return 1 // Continue enumeration
})

func windowForPID(pid uint32) win.HWND {
	q := pidQuery{pid: pid}
	windows.EnumWindows(enumWindowForPID, unsafe.Pointer(&q))

	return q.hwnd
}

type titleQuery struct {
	fragment string
	found    *Window
}

var enumWindowByTitle = syscall.NewCallback(func(h win.HWND, param uintptr) uintptr {
	q := (*titleQuery)(unsafe.Pointer(param))
	title := titleOf(h)
	if title != "" && strings.Contains(strings.ToLower(title), strings.ToLower(q.fragment)) {
		var pid uint32
		win.GetWindowThreadProcessId(h, &pid)
		q.found = &Window{HWND: h, PID: pid, Title: title}
		return 0
	}
	return 1
})

func findWindowByTitle(fragment string) *Window {
	q := titleQuery{fragment: fragment}
	windows.EnumWindows(enumWindowByTitle, unsafe.Pointer(&q))

	return q.found
}

// Focus raises the client window. Key posts land without focus, but the
// session is usually watched while it runs.
func (w *Window) Focus() {
	_, _, _ = winproc.SetForegroundWindow.Call(uintptr(w.HWND))
}

func titleOf(hwnd win.HWND) string {
	if hwnd == 0 {
		return ""
	}

	var title [256]uint16
	_, _, _ = winproc.GetWindowText.Call(
		uintptr(hwnd),
		uintptr(unsafe.Pointer(&title[0])),
		uintptr(len(title)),
	)

	return syscall.UTF16ToString(title[:])
}
