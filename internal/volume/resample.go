package volume

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// ResampleTo resamples the mask into the given Z, Y, X dimensions. In-plane
// resampling goes through an image.Gray staging buffer scaled with nearest
// neighbor so voxels stay strictly binary; slices are matched along Z by
// nearest index.
func (m *Mask) ResampleTo(dims [3]int) *Mask {
	if m.Dims == dims {
		return m
	}

	out := NewMask(dims)
	for z := 0; z < dims[0]; z++ {
		srcZ := nearestIndex(z, dims[0], m.Dims[0])

		src := image.NewGray(image.Rect(0, 0, m.Dims[2], m.Dims[1]))
		for y := 0; y < m.Dims[1]; y++ {
			for x := 0; x < m.Dims[2]; x++ {
				if m.At(srcZ, y, x) != 0 {
					src.SetGray(x, y, color.Gray{Y: 255})
				}
			}
		}

		dst := image.NewGray(image.Rect(0, 0, dims[2], dims[1]))
		draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[2]; x++ {
				if dst.GrayAt(x, y).Y != 0 {
					out.Set(z, y, x, 1)
				}
			}
		}
	}
	return out
}

// ResampleTo resamples the volume into the given Z, Y, X dimensions using
// nearest-neighbor lookup. Geometry is carried over with spacing adjusted to
// preserve physical extent.
func (v *Volume) ResampleTo(dims [3]int) *Volume {
	if v.Dims == dims {
		return v
	}

	out := New(dims)
	out.Origin = v.Origin
	out.Direction = v.Direction
	out.Spacing = [3]float64{
		v.Spacing[0] * float64(v.Dims[2]) / float64(dims[2]),
		v.Spacing[1] * float64(v.Dims[1]) / float64(dims[1]),
		v.Spacing[2] * float64(v.Dims[0]) / float64(dims[0]),
	}

	for z := 0; z < dims[0]; z++ {
		srcZ := nearestIndex(z, dims[0], v.Dims[0])
		for y := 0; y < dims[1]; y++ {
			srcY := nearestIndex(y, dims[1], v.Dims[1])
			for x := 0; x < dims[2]; x++ {
				srcX := nearestIndex(x, dims[2], v.Dims[2])
				out.Set(z, y, x, v.At(srcZ, srcY, srcX))
			}
		}
	}
	return out
}

// nearestIndex maps index i of an axis with n samples onto an axis with m
// samples.
func nearestIndex(i, n, m int) int {
	if n == m {
		return i
	}
	idx := (i*m + m/2) / n
	if idx >= m {
		idx = m - 1
	}
	return idx
}
