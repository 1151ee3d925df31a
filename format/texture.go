package format

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"

	"github.com/orian/sheetsmith/models"
)

// PixelFormat is the layout of texture pixel data.
type PixelFormat uint8

const (
	PixelRGBA8 PixelFormat = iota + 1
	PixelBGRA8
	PixelGray8
)

func (f PixelFormat) String() string {
	switch f {
	case PixelRGBA8:
		return "rgba8"
	case PixelBGRA8:
		return "bgra8"
	case PixelGray8:
		return "gray8"
	}
	return fmt.Sprintf("pixel(%d)", uint8(f))
}

func (f PixelFormat) bytesPerPixel() int {
	switch f {
	case PixelRGBA8, PixelBGRA8:
		return 4
	case PixelGray8:
		return 1
	}
	return 0
}

func decodeTexture(data []byte, offset int64) (Record, int64, error) {
	c := &cursor{data: data}
	t := Texture{Path: c.str()}
	if err := t.decodeBody(c); err != nil {
		c.err = err
	}
	if c.err != nil {
		return nil, 0, c.fail(KindTexture, offset)
	}
	return t, int64(c.pos), nil
}

func (t *Texture) decodeBody(c *cursor) error {
	t.Width = c.u16()
	t.Height = c.u16()
	t.Format = PixelFormat(c.u8())
	if c.err != nil {
		return c.err
	}
	bpp := t.Format.bytesPerPixel()
	if bpp == 0 {
		return fmt.Errorf("unknown pixel format %d", t.Format)
	}
	t.Pixels = c.bytes32()
	if c.err != nil {
		return c.err
	}
	if want := int(t.Width) * int(t.Height) * bpp; len(t.Pixels) != want {
		return fmt.Errorf("texture %s holds %d pixel bytes, want %d", t.Path, len(t.Pixels), want)
	}
	return nil
}

func (t Texture) appendBody(b []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, t.Width)
	b = binary.BigEndian.AppendUint16(b, t.Height)
	b = append(b, byte(t.Format))
	b = binary.BigEndian.AppendUint32(b, uint32(len(t.Pixels)))
	return append(b, t.Pixels...)
}

func (t Texture) appendPayload(b []byte) []byte {
	return t.appendBody(appendStr(b, t.Path))
}

// EncodeTexture serialises a texture without its path, for storage.
func EncodeTexture(t Texture) []byte {
	return t.appendBody(nil)
}

// DecodeTexture reverses EncodeTexture.
func DecodeTexture(path string, data []byte) (Texture, error) {
	t := Texture{Path: path}
	if err := t.decodeBody(&cursor{data: data}); err != nil {
		return Texture{}, fmt.Errorf("%w: %v", models.ErrPatchVerificationFailed, err)
	}
	return t, nil
}

// Image converts the texture to an image.
func (t Texture) Image() image.Image {
	rect := image.Rect(0, 0, int(t.Width), int(t.Height))
	switch t.Format {
	case PixelGray8:
		img := image.NewGray(rect)
		copy(img.Pix, t.Pixels)
		return img
	case PixelBGRA8:
		img := image.NewNRGBA(rect)
		for i := 0; i+3 < len(t.Pixels); i += 4 {
			img.Pix[i] = t.Pixels[i+2]
			img.Pix[i+1] = t.Pixels[i+1]
			img.Pix[i+2] = t.Pixels[i]
			img.Pix[i+3] = t.Pixels[i+3]
		}
		return img
	default:
		img := image.NewNRGBA(rect)
		copy(img.Pix, t.Pixels)
		return img
	}
}

// TextureFromImage builds an RGBA8 texture from img.
func TextureFromImage(path string, img image.Image) Texture {
	b := img.Bounds()
	t := Texture{Path: path, Width: uint16(b.Dx()), Height: uint16(b.Dy()), Format: PixelRGBA8}
	t.Pixels = make([]byte, 0, b.Dx()*b.Dy()*4)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			t.Pixels = append(t.Pixels, c.R, c.G, c.B, c.A)
		}
	}
	return t
}
