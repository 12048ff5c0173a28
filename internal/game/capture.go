package game

import (
	"fmt"
	"image"
	"reflect"
	"sync"
	"time"
	"unsafe"

	"github.com/tantradev/kbot/internal/config"
	"github.com/tantradev/kbot/internal/utils/winproc"
)

// Full-frame grabs are cached briefly so a detection pass and a vitals read in
// the same beat share one PrintWindow round trip.
const frameCacheTTL = 50 * time.Millisecond

// CaptureError is a transient screen grab failure. The monitoring loop counts
// and retries these on the next cycle, it never treats them as fatal.
type CaptureError struct {
	Stage string
	Err   error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture failed at %s: %v", e.Stage, e.Err)
	}

	return fmt.Sprintf("capture failed at %s", e.Stage)
}

func (e *CaptureError) Unwrap() error { return e.Err }

func captureErr(stage string) error {
	return &CaptureError{Stage: stage}
}

type bmpInfoHeader struct {
	BiSize          uint32
	BiWidth         int32
	BiHeight        int32
	BiPlanes        uint16
	BiBitCount      uint16
	BiCompression   uint32
	BiSizeImage     uint32
	BiXPelsPerMeter int32
	BiYPelsPerMeter int32
	BiClrUsed       uint32
	BiClrImportant  uint32
}

type bitmapInfo struct{ Header bmpInfoHeader }

type rect struct{ Left, Top, Right, Bottom int32 }

type point struct{ X, Y int32 }

// Capturer grabs the client area of the attached game window.
type Capturer struct {
	hwnd uintptr

	mu          sync.Mutex
	lastFrame   *image.RGBA
	lastGrabAt  time.Time
	cacheHits   uint64
	cacheMisses uint64
}

func NewCapturer(w *Window) *Capturer {
	return &Capturer{hwnd: uintptr(w.HWND)}
}

func clientRectScreen(hwnd uintptr) (left, top, width, height int) {
	var rc rect
	winproc.GetClientRect.Call(hwnd, uintptr(unsafe.Pointer(&rc)))
	pt := point{X: rc.Left, Y: rc.Top}
	winproc.ClientToScreen.Call(hwnd, uintptr(unsafe.Pointer(&pt)))
	w := int(rc.Right - rc.Left)
	h := int(rc.Bottom - rc.Top)
	return int(pt.X), int(pt.Y), w, h
}

// CaptureFrame returns the full client area. Frames younger than the cache
// TTL are reused; callers must not mutate the returned image.
func (c *Capturer) CaptureFrame() (*image.RGBA, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastFrame != nil && time.Since(c.lastGrabAt) < frameCacheTTL {
		c.cacheHits++
		return c.lastFrame, nil
	}

	img, err := c.grab()
	if err != nil {
		return nil, err
	}

	c.cacheMisses++
	c.lastFrame = img
	c.lastGrabAt = time.Now()

	return img, nil
}

// CacheHitRate is the share of frame requests served from the short-lived
// cache since startup.
func (c *Capturer) CacheHitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.cacheHits + c.cacheMisses
	if total == 0 {
		return 0
	}

	return float64(c.cacheHits) / float64(total)
}

// CaptureRegion crops a client-area rectangle out of the current frame.
func (c *Capturer) CaptureRegion(r config.Region) (*image.RGBA, error) {
	frame, err := c.CaptureFrame()
	if err != nil {
		return nil, err
	}

	crop := image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H)
	if !crop.In(frame.Bounds()) {
		return nil, &CaptureError{
			Stage: "crop",
			Err:   fmt.Errorf("region %v outside client area %v", crop, frame.Bounds()),
		}
	}

	return frame.SubImage(crop).(*image.RGBA), nil
}

func (c *Capturer) grab() (*image.RGBA, error) {
	left, top, width, height := clientRectScreen(c.hwnd)
	if width <= 0 || height <= 0 {
		return nil, captureErr("client rect")
	}

	hdcScreen, _, _ := winproc.GetDC.Call(0)
	if hdcScreen == 0 {
		return nil, captureErr("screen dc")
	}
	defer winproc.ReleaseDC.Call(0, hdcScreen)

	hdcMem, _, _ := winproc.CreateCompatibleDC.Call(hdcScreen)
	if hdcMem == 0 {
		return nil, captureErr("memory dc")
	}
	defer winproc.DeleteDC.Call(hdcMem)

	bi := bitmapInfo{Header: bmpInfoHeader{BiSize: 40, BiWidth: int32(width), BiHeight: -int32(height), BiPlanes: 1, BiBitCount: 32}}
	var bitsPtr uintptr
	hbm, _, _ := winproc.CreateDIBSection.Call(hdcScreen, uintptr(unsafe.Pointer(&bi)), 0, uintptr(unsafe.Pointer(&bitsPtr)), 0, 0)
	if hbm == 0 || bitsPtr == 0 {
		return nil, captureErr("dib section")
	}
	defer winproc.DeleteObject.Call(hbm)
	winproc.SelectObject.Call(hdcMem, hbm)

	// PrintWindow with full-content flags first, degrading to plain capture.
	// Some driver setups only fill the DIB for a subset of the flags.
	for _, flags := range []uintptr{3, 2, 0} {
		_, _, _ = winproc.PrintWindow.Call(c.hwnd, hdcMem, flags)
		winproc.GdiFlush.Call()
		if img := dibToRGBA(bitsPtr, width, height); img != nil {
			return img, nil
		}
	}

	winproc.BitBlt.Call(hdcMem, 0, 0, uintptr(width), uintptr(height), hdcScreen, uintptr(left), uintptr(top), uintptr(winproc.SRCCOPY))
	winproc.GdiFlush.Call()
	if img := dibToRGBA(bitsPtr, width, height); img != nil {
		return img, nil
	}

	return nil, captureErr("blit")
}

func dibToRGBA(bitsPtr uintptr, width, height int) *image.RGBA {
	if bitsPtr == 0 || width <= 0 || height <= 0 {
		return nil
	}
	n := width * height * 4
	var src []byte
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&src))
	hdr.Data = bitsPtr
	hdr.Len = n
	hdr.Cap = n
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	copy(img.Pix, src)
	for y := 0; y < img.Bounds().Dy(); y++ {
		for x := 0; x < img.Bounds().Dx(); x++ {
			idx := y*img.Stride + x*4
			img.Pix[idx], img.Pix[idx+2] = img.Pix[idx+2], img.Pix[idx]
		}
	}
	return img
}
