package builder

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // Register decoders
	"image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/klauspost/compress/flate"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/wudi/pdfcombine/filters"
	"github.com/wudi/pdfcombine/ir/raw"
)

// ErrUnsupportedImage is returned for image data none of the registered
// decoders understands.
var ErrUnsupportedImage = errors.New("unsupported image format")

// ImageFromFile decodes the image stored at path.
func ImageFromFile(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	return DecodeImage(f)
}

// DecodeImage decodes any registered format (jpeg, png, gif, bmp, tiff, webp).
func DecodeImage(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if errors.Is(err, image.ErrFormat) {
		return nil, "", ErrUnsupportedImage
	}
	if err != nil {
		return nil, "", err
	}
	return img, format, nil
}

// AddImageFile appends a page showing the image at path. JPEG files in RGB
// or gray are embedded unchanged; other formats are decoded and re-encoded
// with flate.
func (b *Builder) AddImageFile(path string) (*Page, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, ErrUnsupportedImage
		}
		return nil, err
	}
	if format == "jpeg" {
		if cs := jpegColorSpace(cfg); cs != "" {
			return b.AddJPEGPage(data, cfg.Width, cfg.Height, cs)
		}
	}
	img, _, err := DecodeImage(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return b.AddImagePage(img)
}

func jpegColorSpace(cfg image.Config) string {
	switch cfg.ColorModel {
	case color.YCbCrModel, color.RGBAModel:
		return "DeviceRGB"
	case color.GrayModel:
		return "DeviceGray"
	}
	return ""
}

// AddJPEGPage appends a page whose content is the given baseline JPEG, kept
// as a DCTDecode stream.
func (b *Builder) AddJPEGPage(data []byte, width, height int, colorSpace string) (*Page, error) {
	if b.finalized {
		return nil, ErrFinalized
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	if _, err := jpeg.DecodeConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("jpeg: %w", err)
	}
	d := imageDict(width, height, colorSpace)
	d.Set("Filter", raw.NameLiteral("DCTDecode"))
	return b.imagePage(raw.NewStream(d, data), width, height)
}

// AddImagePage appends a page the size of img in pixels showing img. Alpha
// is kept as a soft mask.
func (b *Builder) AddImagePage(img image.Image) (*Page, error) {
	if b.finalized {
		return nil, ErrFinalized
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", w, h)
	}

	var (
		pixels     []byte
		alpha      []byte
		colorSpace string
	)
	if gray, ok := img.(*image.Gray); ok {
		colorSpace = "DeviceGray"
		pixels = make([]byte, 0, w*h)
		for y := 0; y < h; y++ {
			off := y * gray.Stride
			pixels = append(pixels, gray.Pix[off:off+w]...)
		}
	} else {
		colorSpace = "DeviceRGB"
		nrgba := image.NewNRGBA(image.Rect(0, 0, w, h))
		draw.Draw(nrgba, nrgba.Bounds(), img, bounds.Min, draw.Src)

		pixels = make([]byte, 0, w*h*3)
		alpha = make([]byte, 0, w*h)
		hasAlpha := false
		for i := 0; i < w*h; i++ {
			off := i * 4
			pixels = append(pixels, nrgba.Pix[off], nrgba.Pix[off+1], nrgba.Pix[off+2])
			a := nrgba.Pix[off+3]
			alpha = append(alpha, a)
			if a < 255 {
				hasAlpha = true
			}
		}
		if !hasAlpha {
			alpha = nil
		}
	}

	stream, err := b.flateStream(imageDict(w, h, colorSpace), pixels)
	if err != nil {
		return nil, err
	}
	if alpha != nil {
		mask, err := b.flateStream(imageDict(w, h, "DeviceGray"), alpha)
		if err != nil {
			return nil, err
		}
		stream.Dict.Set("SMask", raw.RefObj{R: b.add(mask)})
	}
	return b.imagePage(stream, w, h)
}

func imageDict(w, h int, colorSpace string) *raw.DictObj {
	d := raw.Dict()
	d.Set("Type", raw.NameLiteral("XObject"))
	d.Set("Subtype", raw.NameLiteral("Image"))
	d.Set("Width", raw.NumberInt(int64(w)))
	d.Set("Height", raw.NumberInt(int64(h)))
	d.Set("ColorSpace", raw.NameLiteral(colorSpace))
	d.Set("BitsPerComponent", raw.NumberInt(8))
	return d
}

func (b *Builder) flateStream(d *raw.DictObj, data []byte) (*raw.StreamObj, error) {
	if b.opts.CompressionLevel == flate.NoCompression {
		return raw.NewStream(d, data), nil
	}
	enc, err := filters.FlateEncode(data, b.opts.CompressionLevel)
	if err != nil {
		return nil, err
	}
	d.Set("Filter", raw.NameLiteral("FlateDecode"))
	return raw.NewStream(d, enc), nil
}

func (b *Builder) imagePage(xobj *raw.StreamObj, w, h int) (*Page, error) {
	imgRef := b.add(xobj)
	content := fmt.Sprintf("q %d 0 0 %d 0 0 cm /Im0 Do Q\n", w, h)
	contentRef := b.add(raw.NewStream(raw.Dict(), []byte(content)))

	p := b.newPage(float64(w), float64(h))
	xobjects := raw.Dict()
	xobjects.Set("Im0", raw.RefObj{R: imgRef})
	res := raw.Dict()
	res.Set("XObject", xobjects)
	res.Set("ProcSet", raw.NewArray(raw.NameLiteral("PDF"), raw.NameLiteral("ImageC"), raw.NameLiteral("ImageB")))
	p.Dict.Set("Resources", res)
	p.Dict.Set("Contents", raw.RefObj{R: contentRef})
	p.Dict.Set("Rotate", raw.NumberInt(0))
	return p, nil
}
