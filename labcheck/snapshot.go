package labcheck

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/chai2010/webp"
	xdraw "golang.org/x/image/draw"
)

const thumbnailWidth = 320

// SaveSnapshot captures the current page and writes it to dir as
// <prefix>_<unix-timestamp>.png, with a small .webp thumbnail next to it for
// quick visual audits. It returns the path of the PNG file.
func SaveSnapshot(ctx context.Context, p *Page, dir, prefix string) (string, error) {
	data, err := p.CaptureScreenshot(ctx)
	if err != nil {
		return "", err
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("capture is not a valid png: %w", err)
	}

	// Bump the stamp when a capture from the same second is already there.
	stamp := time.Now().Unix()
	var path string
	for {
		path = filepath.Join(dir, fmt.Sprintf("%s_%d.png", prefix, stamp))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		stamp++
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	p.session.log.WithField("file", path).Info("snapshot saved")

	if err := writeThumbnail(img, path); err != nil {
		return "", err
	}
	return path, nil
}

func writeThumbnail(img image.Image, pngPath string) error {
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return fmt.Errorf("capture has empty bounds")
	}
	width := thumbnailWidth
	if bounds.Dx() < width {
		width = bounds.Dx()
	}
	height := bounds.Dy() * width / bounds.Dx()
	if height < 1 {
		height = 1
	}
	thumb := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.ApproxBiLinear.Scale(thumb, thumb.Bounds(), img, bounds, xdraw.Src, nil)

	var buffer bytes.Buffer
	if err := webp.Encode(&buffer, thumb, &webp.Options{Quality: 60}); err != nil {
		return err
	}
	thumbPath := pngPath[:len(pngPath)-len(".png")] + ".webp"
	return os.WriteFile(thumbPath, buffer.Bytes(), 0o644)
}
