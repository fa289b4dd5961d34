package segmentation

import (
	"fmt"
	"math"
	"sort"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/mrsinham/dicomharvest/internal/dicomutil"
	"github.com/mrsinham/dicomharvest/internal/model"
	"github.com/mrsinham/dicomharvest/internal/volume"
)

// resolveRTStruct extracts the regions of an RTSTRUCT object. The reference
// chain runs ReferencedFrameOfReferenceSequence -> RTReferencedStudySequence
// -> RTReferencedSeriesSequence; region names come from the
// StructureSetROISequence and the closed planar contours of the
// ROIContourSequence are rasterized into the reference geometry.
func (r *Resolver) resolveRTStruct(src source) (string, []model.Segment, error) {
	refUID, ok := rtReference(src)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s has no referenced series chain", ErrNoReference, src.path)
	}

	reference := findSeries(src.series, refUID)
	if reference == nil {
		return "", nil, fmt.Errorf("%w: %s references %q", ErrNoReference, src.path, refUID)
	}

	names := roiNames(src)
	if len(names) == 0 {
		return "", nil, fmt.Errorf("%s: empty StructureSetROISequence", src.path)
	}

	contours := roiContours(src)

	numbers := make([]int, 0, len(names))
	for number := range names {
		numbers = append(numbers, number)
	}
	sort.Ints(numbers)

	segments := make([]model.Segment, 0, len(numbers))
	for _, number := range numbers {
		mask := volume.NewMask(reference.Volume.Dims)
		for _, contour := range contours[number] {
			rasterizeContour(mask, contour, reference.Volume)
		}
		segments = append(segments, model.Segment{Label: names[number], Mask: mask})
	}
	return refUID, segments, nil
}

// rtReference walks the frame-of-reference chain to the referenced series
// UID. The first complete chain wins.
func rtReference(src source) (string, bool) {
	forElem, err := src.header.FindElementByTag(tag.ReferencedFrameOfReferenceSequence)
	if err != nil {
		return "", false
	}
	for _, forItem := range dicomutil.SequenceItems(forElem) {
		studySeq := dicomutil.FindInItem(forItem, tag.RTReferencedStudySequence)
		for _, studyItem := range dicomutil.SequenceItems(studySeq) {
			seriesSeq := dicomutil.FindInItem(studyItem, tag.RTReferencedSeriesSequence)
			for _, seriesItem := range dicomutil.SequenceItems(seriesSeq) {
				if uid, ok := dicomutil.ItemString(seriesItem, tag.SeriesInstanceUID); ok && uid != "" {
					return uid, true
				}
			}
		}
	}
	return "", false
}

// roiNames maps ROINumber to ROIName from the StructureSetROISequence.
func roiNames(src source) map[int]string {
	elem, err := src.header.FindElementByTag(tag.StructureSetROISequence)
	if err != nil {
		return nil
	}

	names := make(map[int]string)
	for i, item := range dicomutil.SequenceItems(elem) {
		number, ok := dicomutil.ItemInt(item, tag.ROINumber)
		if !ok {
			number = i + 1
		}
		name, ok := dicomutil.ItemString(item, tag.ROIName)
		if !ok || name == "" {
			name = fmt.Sprintf("ROI_%d", number)
		}
		names[number] = name
	}
	return names
}

// roiContours collects the ContourData triplet runs of each region, joined
// on ReferencedROINumber. Contours that are not closed planar polygons
// (fewer than three points) are skipped.
func roiContours(src source) map[int][][]float64 {
	elem, err := src.header.FindElementByTag(tag.ROIContourSequence)
	if err != nil {
		return nil
	}

	contours := make(map[int][][]float64)
	for _, roiItem := range dicomutil.SequenceItems(elem) {
		number, ok := dicomutil.ItemInt(roiItem, tag.ReferencedROINumber)
		if !ok {
			continue
		}
		contourSeq := dicomutil.FindInItem(roiItem, tag.ContourSequence)
		for _, contourItem := range dicomutil.SequenceItems(contourSeq) {
			data, ok := dicomutil.ItemFloats(contourItem, tag.ContourData)
			if !ok || len(data) < 9 || len(data)%3 != 0 {
				continue
			}
			contours[number] = append(contours[number], data)
		}
	}
	return contours
}

// rasterizeContour fills one planar polygon into the mask. Patient-space
// points are mapped to voxel indices through the volume's direction matrix,
// the polygon's slice is the rounded mean of its points' stack coordinates
// and the interior is filled with an even-odd scanline pass.
func rasterizeContour(mask *volume.Mask, data []float64, vol *volume.Volume) {
	n := len(data) / 3
	xs := make([]float64, n)
	ys := make([]float64, n)
	zSum := 0.0
	for i := 0; i < n; i++ {
		x, y, z := voxelCoordinates(data[3*i], data[3*i+1], data[3*i+2], vol)
		xs[i], ys[i] = x, y
		zSum += z
	}

	z := int(zSum/float64(n) + 0.5)
	if z < 0 || z >= mask.Dims[0] {
		return
	}

	fillPolygon(mask, z, xs, ys)
}

// voxelCoordinates maps a patient-space point to continuous voxel indices
// (x, y, z) by projecting the offset from the origin onto the direction
// columns and dividing by spacing. Direction is stored column-major as
// row, column and stack axes.
func voxelCoordinates(px, py, pz float64, vol *volume.Volume) (x, y, z float64) {
	dx := px - vol.Origin[0]
	dy := py - vol.Origin[1]
	dz := pz - vol.Origin[2]

	row := dx*vol.Direction[0] + dy*vol.Direction[3] + dz*vol.Direction[6]
	col := dx*vol.Direction[1] + dy*vol.Direction[4] + dz*vol.Direction[7]
	stack := dx*vol.Direction[2] + dy*vol.Direction[5] + dz*vol.Direction[8]

	x = safeDivide(row, vol.Spacing[0])
	y = safeDivide(col, vol.Spacing[1])
	z = safeDivide(stack, vol.Spacing[2])
	return x, y, z
}

func safeDivide(v, spacing float64) float64 {
	if spacing == 0 {
		return v
	}
	return v / spacing
}

// fillPolygon runs an even-odd scanline fill of the polygon over slice z.
func fillPolygon(mask *volume.Mask, z int, xs, ys []float64) {
	n := len(xs)
	minY := int(math.Floor(minOf(ys)))
	maxY := int(math.Ceil(maxOf(ys)))
	if minY < 0 {
		minY = 0
	}
	if maxY >= mask.Dims[1] {
		maxY = mask.Dims[1] - 1
	}

	for y := minY; y <= maxY; y++ {
		scanY := float64(y) + 0.5

		var crossings []float64
		for i := 0; i < n; i++ {
			j := (i + 1) % n
			y1, y2 := ys[i], ys[j]
			if (y1 <= scanY) == (y2 <= scanY) {
				continue
			}
			t := (scanY - y1) / (y2 - y1)
			crossings = append(crossings, xs[i]+t*(xs[j]-xs[i]))
		}
		sort.Float64s(crossings)

		for i := 0; i+1 < len(crossings); i += 2 {
			start := int(math.Ceil(crossings[i] - 0.5))
			end := int(math.Floor(crossings[i+1] - 0.5))
			if start < 0 {
				start = 0
			}
			if end >= mask.Dims[2] {
				end = mask.Dims[2] - 1
			}
			for x := start; x <= end; x++ {
				mask.Set(z, y, x, 1)
			}
		}
	}
}

func minOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
