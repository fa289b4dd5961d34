// Package transform holds the caller-supplied post-processing applied to
// each assembled record before it is yielded.
//
// Transforms operate on a named Data map rather than the record itself so
// a transform can relate entries to each other (e.g. resample every mask
// onto one reference image) without knowing how the record was assembled.
package transform

import (
	"fmt"

	"github.com/mrsinham/dicomharvest/internal/volume"
)

// Data is the working set handed through a transform chain. Criterion
// names key image volumes; canonical organ names key masks, prefixed with
// their criterion so organs segmented on different series do not collide.
type Data struct {
	Images map[string]*volume.Volume
	Masks  map[string]*volume.Mask
}

// NewData returns an empty working set.
func NewData() *Data {
	return &Data{
		Images: make(map[string]*volume.Volume),
		Masks:  make(map[string]*volume.Mask),
	}
}

// MaskKey builds the mask key for an organ segmented on the given
// criterion's series.
func MaskKey(criterion, organ string) string {
	return criterion + "/" + organ
}

// Transform rewrites the working set in place. Returning an error marks
// the whole patient as failed.
type Transform interface {
	Apply(data *Data) error
}

// Func adapts a plain function to the Transform interface.
type Func func(data *Data) error

func (f Func) Apply(data *Data) error {
	return f(data)
}

// Compose chains transforms left to right, stopping at the first error.
func Compose(transforms ...Transform) Transform {
	return Func(func(data *Data) error {
		for _, t := range transforms {
			if err := t.Apply(data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clip bounds every image voxel to [Min, Max].
type Clip struct {
	Min, Max float32
}

func (c Clip) Apply(data *Data) error {
	if c.Min > c.Max {
		return fmt.Errorf("clip bounds inverted: %v > %v", c.Min, c.Max)
	}
	for _, img := range data.Images {
		for i, v := range img.Data {
			if v < c.Min {
				img.Data[i] = c.Min
			} else if v > c.Max {
				img.Data[i] = c.Max
			}
		}
	}
	return nil
}

// Rescale maps every image's intensity range linearly onto [Min, Max].
// A constant image maps to Min.
type Rescale struct {
	Min, Max float32
}

func (r Rescale) Apply(data *Data) error {
	if r.Min >= r.Max {
		return fmt.Errorf("rescale bounds inverted: %v >= %v", r.Min, r.Max)
	}
	for _, img := range data.Images {
		if len(img.Data) == 0 {
			continue
		}
		lo, hi := img.Data[0], img.Data[0]
		for _, v := range img.Data {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if lo == hi {
			for i := range img.Data {
				img.Data[i] = r.Min
			}
			continue
		}
		scale := (r.Max - r.Min) / (hi - lo)
		for i, v := range img.Data {
			img.Data[i] = r.Min + (v-lo)*scale
		}
	}
	return nil
}

// MatchResample resamples every image and mask onto the geometry of the
// named reference image.
type MatchResample struct {
	Reference string
}

func (m MatchResample) Apply(data *Data) error {
	ref, ok := data.Images[m.Reference]
	if !ok {
		return fmt.Errorf("resample reference %q not present", m.Reference)
	}
	for name, img := range data.Images {
		if name == m.Reference {
			continue
		}
		data.Images[name] = img.ResampleTo(ref.Dims)
	}
	for name, mask := range data.Masks {
		data.Masks[name] = mask.ResampleTo(ref.Dims)
	}
	return nil
}
