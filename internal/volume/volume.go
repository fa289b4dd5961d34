// Package volume holds the 3-D sampled arrays produced by the extraction
// pipeline: image volumes with their physical geometry and the binary masks
// derived from segmentation sources.
package volume

// Volume is a 3-D image stack. Data is slice-major: index = (z*Dims[1]+y)*Dims[2]+x.
// Dims is ordered Z, Y, X while Spacing and Origin follow the patient
// coordinate convention X, Y, Z.
type Volume struct {
	Dims      [3]int
	Spacing   [3]float64
	Origin    [3]float64
	Direction [9]float64
	Data      []float32
}

// New allocates a zeroed volume with the given Z, Y, X dimensions.
func New(dims [3]int) *Volume {
	return &Volume{
		Dims:      dims,
		Spacing:   [3]float64{1, 1, 1},
		Direction: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
		Data:      make([]float32, dims[0]*dims[1]*dims[2]),
	}
}

// Index returns the flat offset of voxel (z, y, x).
func (v *Volume) Index(z, y, x int) int {
	return (z*v.Dims[1]+y)*v.Dims[2] + x
}

// At returns the voxel value at (z, y, x).
func (v *Volume) At(z, y, x int) float32 {
	return v.Data[v.Index(z, y, x)]
}

// Set stores value at voxel (z, y, x).
func (v *Volume) Set(z, y, x int, value float32) {
	v.Data[v.Index(z, y, x)] = value
}

// SameShape reports whether both volumes have identical dimensions.
func (v *Volume) SameShape(dims [3]int) bool {
	return v.Dims == dims
}

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	out := *v
	out.Data = make([]float32, len(v.Data))
	copy(out.Data, v.Data)
	return &out
}

// Mask is a binary 3-D label map. Voxels are 0 or 1. Dims is ordered Z, Y, X
// and Data uses the same slice-major layout as Volume.
type Mask struct {
	Dims [3]int
	Data []uint8
}

// NewMask allocates a zeroed mask with the given Z, Y, X dimensions.
func NewMask(dims [3]int) *Mask {
	return &Mask{Dims: dims, Data: make([]uint8, dims[0]*dims[1]*dims[2])}
}

// Index returns the flat offset of voxel (z, y, x).
func (m *Mask) Index(z, y, x int) int {
	return (z*m.Dims[1]+y)*m.Dims[2] + x
}

// At returns the voxel value at (z, y, x).
func (m *Mask) At(z, y, x int) uint8 {
	return m.Data[m.Index(z, y, x)]
}

// Set stores value at voxel (z, y, x).
func (m *Mask) Set(z, y, x int, value uint8) {
	m.Data[m.Index(z, y, x)] = value
}

// Union folds other into m by logical OR. Both masks must be
// shape-congruent; mismatched voxel counts beyond m's extent are ignored.
func (m *Mask) Union(other *Mask) {
	n := len(m.Data)
	if len(other.Data) < n {
		n = len(other.Data)
	}
	for i := 0; i < n; i++ {
		if other.Data[i] != 0 {
			m.Data[i] = 1
		}
	}
}

// VoxelCount returns the number of set voxels.
func (m *Mask) VoxelCount() int {
	count := 0
	for _, v := range m.Data {
		if v != 0 {
			count++
		}
	}
	return count
}

// Clone returns a deep copy.
func (m *Mask) Clone() *Mask {
	out := *m
	out.Data = make([]uint8, len(m.Data))
	copy(out.Data, m.Data)
	return &out
}
