package main

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/meigma/sketch"
	"github.com/meigma/sketch/internal/testutil"
)

const imageMimeType = "image/x-sketch-synthetic"

// syntheticDecoder decodes the "name WxH" images generated by the profiler,
// subsampling by powers of two towards the requested size.
type syntheticDecoder struct{}

func (syntheticDecoder) CanDecode(mimeType string) bool { return mimeType == imageMimeType }

func (syntheticDecoder) Decode(ctx context.Context, req *sketch.DecodeRequest) (*sketch.DecodeResult, error) {
	r, err := req.Source.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := testutil.ParseImage(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sketch.ErrDecode, err)
	}

	info := sketch.ImageInfo{Width: img.W, Height: img.H, MimeType: req.MimeType}
	sample := 1
	for img.W/(sample*2) >= req.Size.Width && img.H/(sample*2) >= req.Size.Height {
		sample *= 2
	}
	res := &sketch.DecodeResult{Info: info}
	if sample > 1 {
		img = testutil.NewImage(img.Name, img.W/sample, img.H/sample)
		res.Transformed = append(res.Transformed, sketch.InSampled(sample))
	}
	res.Image = img
	return res, nil
}

// grayscale stands in for a pixel transformation whose output is worth
// keeping in the result cache.
type grayscale struct{}

func (grayscale) Key() string             { return "Grayscale" }
func (grayscale) CacheResultToDisk() bool { return true }

func (grayscale) Transform(_ context.Context, img sketch.Image) (sketch.Image, *sketch.Transformed, error) {
	return testutil.NewImage("gray", img.Width(), img.Height()), &sketch.Transformed{Key: "GrayscaleTransformed", CacheResultToDisk: true}, nil
}

// makeImages returns count encoded images of the given dimensions, each
// padded to at least fileSize bytes.
func makeImages(count, width, height, fileSize int) [][]byte {
	images := make([][]byte, count)
	for i := range images {
		data := testutil.ImageBytes(fmt.Sprintf("img%05d", i), width, height)
		if pad := fileSize - len(data); pad > 1 {
			data = append(data, '\n')
			data = append(data, bytes.Repeat([]byte{byte('a' + i%26)}, pad-1)...)
		}
		images[i] = data
	}
	return images
}
