// Package imaging turns image files into the normalized tensors the feature
// extractor was trained on.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"math"
	"os"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrImageDecode is matched by every error returned from Load.
var ErrImageDecode = errors.New("image decode failed")

// DecodeError reports an image that could not be read or decoded.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding image %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() []error { return []error{ErrImageDecode, e.Err} }

// SupportedTypes are the content types Load accepts.
var SupportedTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/bmp",
	"image/tiff",
	"image/webp",
}

var interpolations = map[string]resize.InterpolationFunction{
	"nearest":  resize.NearestNeighbor,
	"bilinear": resize.Bilinear,
	"bicubic":  resize.Bicubic,
	"mitchell": resize.MitchellNetravali,
	"lanczos2": resize.Lanczos2,
	"lanczos3": resize.Lanczos3,
}

// Crop policies. CropCenter scales the image until it covers the target,
// keeping its aspect ratio, and keeps the centered window. CropNone stretches
// the whole frame to the target size. An empty Crop means CropCenter.
const (
	CropCenter = "center"
	CropNone   = "none"
)

// Settings is the preprocessing contract of the feature extractor. It is
// recorded in the trained artifact so inference repeats it exactly.
type Settings struct {
	Height        int     `json:"height"`
	Width         int     `json:"width"`
	Mean          float32 `json:"mean"`
	Scale         float32 `json:"scale"`
	ChannelsLast  bool    `json:"channels_last"`
	Interpolation string  `json:"interpolation"`
	Crop          string  `json:"crop"`
}

// DefaultSettings matches the Inception graph: 224x224 RGB, interleaved,
// mean 117 subtracted, unit scale.
func DefaultSettings() Settings {
	return Settings{
		Height:        224,
		Width:         224,
		Mean:          117,
		Scale:         1,
		ChannelsLast:  true,
		Interpolation: "bilinear",
		Crop:          CropCenter,
	}
}

// Validate checks the settings can drive a Preprocessor.
func (s Settings) Validate() error {
	if s.Height <= 0 || s.Width <= 0 {
		return fmt.Errorf("invalid target size %dx%d", s.Width, s.Height)
	}
	if s.Scale == 0 {
		return errors.New("scale must be non-zero")
	}
	if _, ok := interpolations[s.interpolation()]; !ok {
		return fmt.Errorf("unknown interpolation %q", s.Interpolation)
	}
	switch s.Crop {
	case "", CropCenter, CropNone:
	default:
		return fmt.Errorf("unknown crop policy %q", s.Crop)
	}
	return nil
}

func (s Settings) interpolation() string {
	if s.Interpolation == "" {
		return "bilinear"
	}
	return s.Interpolation
}

// Preprocessor decodes, resizes and normalizes images. It holds no mutable
// state and is safe for concurrent use.
type Preprocessor struct {
	settings Settings
	interp   resize.InterpolationFunction
}

// NewPreprocessor validates settings and returns a Preprocessor for them.
func NewPreprocessor(settings Settings) (*Preprocessor, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &Preprocessor{settings: settings, interp: interpolations[settings.interpolation()]}, nil
}

// Settings returns the configuration the Preprocessor applies.
func (p *Preprocessor) Settings() Settings { return p.settings }

// Load reads the image at path and converts it to a Tensor.
func (p *Preprocessor) Load(path string) (Tensor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Tensor{}, &DecodeError{Path: path, Err: err}
	}
	img, err := Decode(b)
	if err != nil {
		return Tensor{}, &DecodeError{Path: path, Err: err}
	}
	return p.FromImage(img), nil
}

// Decode sniffs the content type of b and decodes it.
func Decode(b []byte) (image.Image, error) {
	mtype := mimetype.Detect(b)
	if !mimetype.EqualsAny(mtype.String(), SupportedTypes...) {
		return nil, fmt.Errorf("unsupported content type %s", mtype.String())
	}
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	if img.Bounds().Empty() {
		return nil, errors.New("empty image")
	}
	return img, nil
}

// FromImage resizes img to the configured size and normalizes its pixels as
// (value - Mean) * Scale, with value the 8-bit R, G or B intensity.
func (p *Preprocessor) FromImage(img image.Image) Tensor {
	s := p.settings
	resized, origin := p.fit(img)

	t := Tensor{
		Height:       s.Height,
		Width:        s.Width,
		Channels:     3,
		ChannelsLast: s.ChannelsLast,
		Data:         make([]float32, 3*s.Height*s.Width),
	}
	plane := s.Height * s.Width

	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			r, g, b, _ := resized.At(origin.X+x, origin.Y+y).RGBA()
			rgb := [3]float32{float32(r >> 8), float32(g >> 8), float32(b >> 8)}

			for c, v := range rgb {
				nv := (v - s.Mean) * s.Scale
				if s.ChannelsLast {
					t.Data[(y*s.Width+x)*3+c] = nv
				} else {
					t.Data[c*plane+y*s.Width+x] = nv
				}
			}
		}
	}
	return t
}

// fit resizes img for the crop policy and returns it with the top-left
// corner of the target window.
func (p *Preprocessor) fit(img image.Image) (image.Image, image.Point) {
	s := p.settings
	if s.Crop == CropNone {
		resized := resize.Resize(uint(s.Width), uint(s.Height), img, p.interp)
		return resized, resized.Bounds().Min
	}

	src := img.Bounds()
	f := math.Max(float64(s.Width)/float64(src.Dx()), float64(s.Height)/float64(src.Dy()))
	w := max(s.Width, int(math.Round(float64(src.Dx())*f)))
	h := max(s.Height, int(math.Round(float64(src.Dy())*f)))

	resized := resize.Resize(uint(w), uint(h), img, p.interp)
	b := resized.Bounds()
	return resized, image.Pt(b.Min.X+(b.Dx()-s.Width)/2, b.Min.Y+(b.Dy()-s.Height)/2)
}
