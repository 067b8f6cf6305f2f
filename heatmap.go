package gain

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Heatmap rendering: the attention map is painted with the jet colormap,
// blended 70/30 over the source image, labeled with the class name, and laid
// side by side with the attention-masked input. One panel per example.

// jetColor maps v in [0,1] to the jet colormap (blue, cyan, yellow, red).
func jetColor(v float64) color.NRGBA {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	channel := func(center float64) uint8 {
		d := 1.5 - 4*abs(v-center)
		if d < 0 {
			d = 0
		} else if d > 1 {
			d = 1
		}
		return uint8(d * 255)
	}
	return color.NRGBA{
		R: channel(0.75),
		G: channel(0.5),
		B: channel(0.25),
		A: 255,
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// exampleImage converts one example of a [batch, height, width, channels]
// float32 tensor (values in [0,1]) to an image. A single channel renders as
// grayscale, three channels as RGB; other channel counts use the first
// channel.
func exampleImage(batch *tensors.Tensor, example int) (image.Image, error) {
	dims := batch.Shape().Dimensions
	if len(dims) != 4 {
		return nil, errors.Errorf("expected a [batch, height, width, channels] tensor, got shape %s", batch.Shape())
	}
	height, width, channels := dims[1], dims[2], dims[3]
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	err := tensors.ConstFlatData(batch, func(flat []float32) {
		base := example * height * width * channels
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				pixel := flat[base+(y*width+x)*channels : base+(y*width+x)*channels+channels]
				var r, g, b uint8
				if channels >= 3 {
					r, g, b = toByte(pixel[0]), toByte(pixel[1]), toByte(pixel[2])
				} else {
					r = toByte(pixel[0])
					g, b = r, r
				}
				img.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: b, A: 255})
			}
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "reading image tensor")
	}
	return img, nil
}

func toByte(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v * 255)
}

// heatmapOverlay renders one example of a [batch, height, width, 1] attention
// tensor as a jet image, normalized to the example's own min/max range.
func heatmapOverlay(cams *tensors.Tensor, example int) (image.Image, error) {
	dims := cams.Shape().Dimensions
	if len(dims) != 4 || dims[3] != 1 {
		return nil, errors.Errorf("expected a [batch, height, width, 1] attention tensor, got shape %s", cams.Shape())
	}
	height, width := dims[1], dims[2]
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	err := tensors.ConstFlatData(cams, func(flat []float32) {
		base := example * height * width
		lo, hi := flat[base], flat[base]
		for _, v := range flat[base : base+height*width] {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		span := float64(hi - lo)
		if span < normalizationEpsilon {
			span = normalizationEpsilon
		}
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				v := float64(flat[base+y*width+x]-lo) / span
				img.SetNRGBA(x, y, jetColor(v))
			}
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "reading attention tensor")
	}
	return img, nil
}

// RenderHeatmap composes the heatmap panel for one example: the jet attention
// map blended over the input (70% heatmap), the class label in the corner,
// and the masked image appended on the right.
func RenderHeatmap(images, cams, maskedImages *tensors.Tensor, example int, label string) (image.Image, error) {
	src, err := exampleImage(images, example)
	if err != nil {
		return nil, err
	}
	overlay, err := heatmapOverlay(cams, example)
	if err != nil {
		return nil, err
	}
	masked, err := exampleImage(maskedImages, example)
	if err != nil {
		return nil, err
	}

	bounds := src.Bounds()
	blended := imaging.Overlay(src, overlay, image.Pt(0, 0), 0.7)
	drawLabel(blended, label)

	panel := image.NewNRGBA(image.Rect(0, 0, bounds.Dx()*2, bounds.Dy()))
	draw.Draw(panel, bounds, blended, image.Pt(0, 0), draw.Src)
	draw.Draw(panel, bounds.Add(image.Pt(bounds.Dx(), 0)), masked, image.Pt(0, 0), draw.Src)
	return panel, nil
}

func drawLabel(dst draw.Image, label string) {
	if label == "" {
		return
	}
	drawer := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.NRGBA{R: 255, G: 255, B: 255, A: 255}),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(2, basicfont.Face7x13.Ascent+1),
	}
	drawer.DrawString(label)
}

// SaveHeatmap renders the panel and writes it to path. The format follows
// the file extension.
func SaveHeatmap(path string, images, cams, maskedImages *tensors.Tensor, example int, label string) error {
	panel, err := RenderHeatmap(images, cams, maskedImages, example, label)
	if err != nil {
		return err
	}
	if err := imaging.Save(panel, path); err != nil {
		return errors.Wrapf(err, "saving heatmap %s", path)
	}
	return nil
}
