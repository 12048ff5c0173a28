package game

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tantradev/kbot/internal/utils"
	"github.com/tantradev/kbot/internal/utils/winproc"
)

// Keys pressed faster than this are throttled, the client drops repeats that
// arrive inside its own input frame.
const minKeyInterval = 50 * time.Millisecond

type InputStats struct {
	Total      uint64 `json:"total"`
	Successful uint64 `json:"successful"`
	Failed     uint64 `json:"failed"`
}

// KeySender posts keyboard input straight to the game window, so the client
// does not need focus.
type KeySender struct {
	hwnd uintptr

	mu        sync.Mutex
	lastPress map[string]time.Time
	stats     InputStats
}

func NewKeySender(w *Window) *KeySender {
	return &KeySender{
		hwnd:      uintptr(w.HWND),
		lastPress: make(map[string]time.Time),
	}
}

// PressKey sends one key down/up pair for a named key ("1".."0", "a".."z",
// "f1".."f12").
func (k *KeySender) PressKey(key string) error {
	vk, err := vkFromKey(key)
	if err != nil {
		k.fail()
		return err
	}

	k.throttle(key)

	scan, _, _ := winproc.MapVirtualKey.Call(vk, winproc.MAPVK_VK_TO_VSC)
	down := uintptr(1) | scan<<16
	up := down | 0xC0000000

	if ok, _, _ := winproc.PostMessage.Call(k.hwnd, winproc.WM_KEYDOWN, vk, down); ok == 0 {
		k.fail()
		return fmt.Errorf("key down for %q was not delivered", key)
	}

	utils.Sleep(utils.RandRange(35, 60))

	if ok, _, _ := winproc.PostMessage.Call(k.hwnd, winproc.WM_KEYUP, vk, up); ok == 0 {
		k.fail()
		return fmt.Errorf("key up for %q was not delivered", key)
	}

	k.mu.Lock()
	k.stats.Total++
	k.stats.Successful++
	k.lastPress[key] = time.Now()
	k.mu.Unlock()

	return nil
}

func (k *KeySender) Stats() InputStats {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.stats
}

func (k *KeySender) throttle(key string) {
	k.mu.Lock()
	wait := minKeyInterval - time.Since(k.lastPress[key])
	k.mu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}
}

func (k *KeySender) fail() {
	k.mu.Lock()
	k.stats.Total++
	k.stats.Failed++
	k.mu.Unlock()
}

func vkFromKey(key string) (uintptr, error) {
	key = strings.ToLower(strings.TrimSpace(key))

	switch {
	case len(key) == 1 && key[0] >= '0' && key[0] <= '9':
		return uintptr(0x30 + key[0] - '0'), nil
	case len(key) == 1 && key[0] >= 'a' && key[0] <= 'z':
		return uintptr(0x41 + key[0] - 'a'), nil
	case strings.HasPrefix(key, "f") && len(key) > 1:
		n := 0
		for _, r := range key[1:] {
			if r < '0' || r > '9' {
				return 0, fmt.Errorf("unknown key %q", key)
			}
			n = n*10 + int(r-'0')
		}
		if n >= 1 && n <= 12 {
			return uintptr(0x70 + n - 1), nil
		}
	case key == "space":
		return 0x20, nil
	}

	return 0, fmt.Errorf("unknown key %q", key)
}
