// Package render turns the /card page into a panel-sized bitmap by
// screenshotting it with headless Chromium.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"

	appLog "tagcal/internal/log"
)

// DefaultTimeout bounds the whole navigate-wait-screenshot sequence.
const DefaultTimeout = 30 * time.Second

// Options defines one capture.
type Options struct {
	// URL of the status card, e.g. "http://127.0.0.1:8080/card".
	URL string

	// Width and Height are the viewport in pixels and must match the
	// panel geometry.
	Width  int
	Height int

	// Timeout bounds the capture; zero means DefaultTimeout.
	Timeout time.Duration

	// PreviewPath, if set, also receives the PNG for /preview.png.
	PreviewPath string
}

// CaptureCard navigates headless Chromium to the card page, waits for
// the data-ready marker, and returns the decoded screenshot.
//
// Rendering-complete condition: the card root element exposes
// data-ready="true" once the template has executed, so the screenshot
// never races the page load.
func CaptureCard(parentCtx context.Context, opts Options) (image.Image, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("render: URL is required")
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("render: viewport %dx%d is invalid", opts.Width, opts.Height)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	ctx, cancel := chromedp.NewContext(parentCtx)
	defer cancel()

	ctx, timeoutCancel := context.WithTimeout(ctx, opts.Timeout)
	defer timeoutCancel()

	var shot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height)),
		chromedp.Navigate(opts.URL),
		chromedp.WaitVisible(`[data-ready="true"]`, chromedp.ByQuery),
		// Small extra delay to allow final paints.
		chromedp.Sleep(200 * time.Millisecond),
		chromedp.FullScreenshot(&shot, 100),
	}

	if err := chromedp.Run(ctx, tasks); err != nil {
		return nil, fmt.Errorf("render: chromedp run failed: %w", err)
	}

	img, err := png.Decode(bytes.NewReader(shot))
	if err != nil {
		return nil, fmt.Errorf("render: decode screenshot: %w", err)
	}

	if opts.PreviewPath != "" {
		if err := writePreview(opts.PreviewPath, shot); err != nil {
			// The preview is a convenience; the transfer proceeds on
			// the in-memory image either way.
			appLog.Warn("preview write failed", "path", opts.PreviewPath, "error", err)
		}
	}

	return img, nil
}

func writePreview(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
