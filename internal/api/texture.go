package api

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"net/http"

	"github.com/banshee-data/mesh.report/internal/httputil"
	"github.com/banshee-data/mesh.report/internal/monitoring"
	"github.com/banshee-data/mesh.report/internal/snapshot"
)

// textureImage converts a row-major texture into an image. One channel is
// grey, three are RGB with opaque alpha, four are RGBA.
func textureImage(tex *snapshot.Texture) (image.Image, error) {
	w, h := int(tex.Width), int(tex.Height)
	if len(tex.Data) != w*h*int(tex.Channels) {
		return nil, fmt.Errorf("texture %d has %d bytes for %dx%dx%d", tex.Index, len(tex.Data), w, h, tex.Channels)
	}
	rect := image.Rect(0, 0, w, h)
	switch tex.Channels {
	case 1:
		img := image.NewGray(rect)
		copy(img.Pix, tex.Data)
		return img, nil
	case 3:
		img := image.NewNRGBA(rect)
		for i := 0; i < w*h; i++ {
			p := tex.Data[i*3 : i*3+3]
			img.Pix[i*4], img.Pix[i*4+1], img.Pix[i*4+2], img.Pix[i*4+3] = p[0], p[1], p[2], 0xff
		}
		return img, nil
	case 4:
		img := image.NewNRGBA(rect)
		copy(img.Pix, tex.Data)
		return img, nil
	default:
		return nil, fmt.Errorf("texture %d has %d channels", tex.Index, tex.Channels)
	}
}

func writePNG(w http.ResponseWriter, tex *snapshot.Texture) {
	img, err := textureImage(tex)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusNotAcceptable, err.Error())
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("encode png: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Mesh-UUID", tex.ID)
	if _, err := w.Write(buf.Bytes()); err != nil {
		monitoring.Logf("[HTTP] failed to write png: %v", err)
	}
}
