/* SPDX-License-Identifier: MIT
 *
 * Notification icon normalisation: downscale to at most 96px on the
 * longest side, re-encode as PNG, content-address by MD5, and offer
 * the result for fetch over a transfer listener. Grounded on
 * original_source/konnect/api.py's _handleNotification, which reads
 * an optional icon off the request and is the only place the original
 * wires a notification's icon field through at all (spec.md's
 * distillation dropped it; SPEC_FULL.md §C restores it).
 */

package admin

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"

	"github.com/nfnt/resize"

	"kdeconnectd/device"
)

const maxIconDimension = 96

// buildIconPayload normalises the image at iconPath and offers it
// over the transfer service, returning nil (not an error) when
// iconPath is empty: icons are optional.
func (s *Server) buildIconPayload(iconPath string) (*device.NotificationPayload, error) {
	if iconPath == "" {
		return nil, nil
	}
	if s.transfer == nil {
		return nil, fmt.Errorf("no transfer service configured")
	}

	f, err := os.Open(iconPath)
	if err != nil {
		return nil, fmt.Errorf("opening icon: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding icon: %w", err)
	}

	bounds := img.Bounds()
	w, h := uint(bounds.Dx()), uint(bounds.Dy())
	if w > maxIconDimension || h > maxIconDimension {
		if w >= h {
			img = resize.Resize(maxIconDimension, 0, img, resize.Lanczos3)
		} else {
			img = resize.Resize(0, maxIconDimension, img, resize.Lanczos3)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding icon: %w", err)
	}

	sum := md5.Sum(buf.Bytes())
	digest := hex.EncodeToString(sum[:])

	port, err := s.transfer.Offer(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("offering icon: %w", err)
	}

	return &device.NotificationPayload{
		Digest: digest,
		Size:   int64(buf.Len()),
		Port:   port,
	}, nil
}
