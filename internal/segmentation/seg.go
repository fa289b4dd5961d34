package segmentation

import (
	"fmt"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/mrsinham/dicomharvest/internal/dicomutil"
	"github.com/mrsinham/dicomharvest/internal/model"
	"github.com/mrsinham/dicomharvest/internal/volume"
)

// segDescriptor is one entry of the SegmentSequence: the segment number the
// per-frame groups refer to, with its human label.
type segDescriptor struct {
	number int
	label  string
}

// resolveSEG extracts the segments of a DICOM SEG object. The reference is
// taken from ReferencedSeriesSequence; frames are assigned to segment and
// slice through the PerFrameFunctionalGroupsSequence, with an even
// segment-major split as fallback when the per-frame groups are absent.
func (r *Resolver) resolveSEG(src source) (string, []model.Segment, error) {
	refUID, ok := segReference(src)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s has no ReferencedSeriesSequence", ErrNoReference, src.path)
	}

	reference := findSeries(src.series, refUID)
	if reference == nil {
		return "", nil, fmt.Errorf("%w: %s references %q", ErrNoReference, src.path, refUID)
	}

	descriptors := segDescriptors(src)
	if len(descriptors) == 0 {
		return "", nil, fmt.Errorf("%s: empty SegmentSequence", src.path)
	}

	frames, err := dicomutil.DecodeFrames(src.path)
	if err != nil {
		return "", nil, fmt.Errorf("decode segmentation frames: %w", err)
	}

	rows, _ := dicomutil.Int(src.header, tag.Rows)
	cols, _ := dicomutil.Int(src.header, tag.Columns)
	if rows == 0 || cols == 0 {
		return "", nil, fmt.Errorf("%s: missing Rows/Columns", src.path)
	}
	for i, values := range frames {
		if len(values) != rows*cols {
			// Packed BitsAllocated=1 objects decode to a shorter buffer.
			return "", nil, fmt.Errorf("%s: frame %d has %d samples, expected %d (bit-packed objects are not supported)",
				src.path, i, len(values), rows*cols)
		}
	}

	depth := reference.Volume.Dims[0]
	masks := make(map[int]*volume.Mask, len(descriptors))
	for _, d := range descriptors {
		masks[d.number] = volume.NewMask([3]int{depth, rows, cols})
	}

	assignments := perFrameAssignments(src, reference)
	if assignments == nil {
		assignments = segmentMajorAssignments(descriptors, len(frames), depth)
	}
	if len(assignments) != len(frames) {
		return "", nil, fmt.Errorf("%s: %d frames but %d frame assignments",
			src.path, len(frames), len(assignments))
	}

	for i, values := range frames {
		a := assignments[i]
		mask, ok := masks[a.segment]
		if !ok || a.slice < 0 || a.slice >= depth {
			continue
		}
		base := a.slice * rows * cols
		for j, v := range values {
			if v != 0 {
				mask.Data[base+j] = 1
			}
		}
	}

	segments := make([]model.Segment, 0, len(descriptors))
	for _, d := range descriptors {
		segments = append(segments, model.Segment{Label: d.label, Mask: masks[d.number]})
	}
	return refUID, segments, nil
}

// segReference reads the referenced series UID from the first item of the
// ReferencedSeriesSequence.
func segReference(src source) (string, bool) {
	elem, err := src.header.FindElementByTag(tag.ReferencedSeriesSequence)
	if err != nil {
		return "", false
	}
	for _, item := range dicomutil.SequenceItems(elem) {
		if uid, ok := dicomutil.ItemString(item, tag.SeriesInstanceUID); ok && uid != "" {
			return uid, true
		}
	}
	return "", false
}

// segDescriptors lists the declared segments in sequence order. A segment
// with neither label nor description gets a positional fallback name.
func segDescriptors(src source) []segDescriptor {
	elem, err := src.header.FindElementByTag(tag.SegmentSequence)
	if err != nil {
		return nil
	}

	var descriptors []segDescriptor
	for i, item := range dicomutil.SequenceItems(elem) {
		number, ok := dicomutil.ItemInt(item, tag.SegmentNumber)
		if !ok {
			number = i + 1
		}

		label, ok := dicomutil.ItemString(item, tag.SegmentLabel)
		if !ok || label == "" {
			label, ok = dicomutil.ItemString(item, tag.SegmentDescription)
		}
		if !ok || label == "" {
			label = fmt.Sprintf("Segment_%d", number)
		}

		descriptors = append(descriptors, segDescriptor{number: number, label: label})
	}
	return descriptors
}

// frameAssignment ties one stored frame to a segment number and a slice
// index of the reference volume.
type frameAssignment struct {
	segment int
	slice   int
}

// perFrameAssignments maps frames through the PerFrameFunctionalGroupsSequence:
// segment from SegmentIdentificationSequence, slice from the plane position
// projected onto the reference stack axis. Returns nil when the sequence is
// absent or any frame lacks either group.
func perFrameAssignments(src source, reference *model.ImageSeries) []frameAssignment {
	elem, err := src.header.FindElementByTag(tag.PerFrameFunctionalGroupsSequence)
	if err != nil {
		return nil
	}

	items := dicomutil.SequenceItems(elem)
	if len(items) == 0 {
		return nil
	}

	assignments := make([]frameAssignment, 0, len(items))
	for _, item := range items {
		segment, ok := itemSegmentNumber(item)
		if !ok {
			return nil
		}
		position, ok := itemPlanePosition(item)
		if !ok {
			return nil
		}
		assignments = append(assignments, frameAssignment{
			segment: segment,
			slice:   sliceIndexOf(position, reference.Volume),
		})
	}
	return assignments
}

func itemSegmentNumber(item []*dicom.Element) (int, bool) {
	seq := dicomutil.FindInItem(item, tag.SegmentIdentificationSequence)
	for _, inner := range dicomutil.SequenceItems(seq) {
		if n, ok := dicomutil.ItemInt(inner, tag.ReferencedSegmentNumber); ok {
			return n, true
		}
	}
	return 0, false
}

func itemPlanePosition(item []*dicom.Element) ([]float64, bool) {
	seq := dicomutil.FindInItem(item, tag.PlanePositionSequence)
	for _, inner := range dicomutil.SequenceItems(seq) {
		if p, ok := dicomutil.ItemFloats(inner, tag.ImagePositionPatient); ok && len(p) >= 3 {
			return p, true
		}
	}
	return nil, false
}

// sliceIndexOf rounds the signed distance of a patient-space position from
// the volume origin along the stack axis to a slice index.
func sliceIndexOf(position []float64, vol *volume.Volume) int {
	normal := [3]float64{vol.Direction[2], vol.Direction[5], vol.Direction[8]}
	distance := (position[0]-vol.Origin[0])*normal[0] +
		(position[1]-vol.Origin[1])*normal[1] +
		(position[2]-vol.Origin[2])*normal[2]
	if vol.Spacing[2] <= 0 {
		return -1
	}
	return int(distance/vol.Spacing[2] + 0.5)
}

// segmentMajorAssignments splits the frame run evenly among segments in
// declaration order, each segment's run covering the reference stack
// bottom-up. Used when per-frame groups are missing.
func segmentMajorAssignments(descriptors []segDescriptor, frames, depth int) []frameAssignment {
	if len(descriptors) == 0 || frames%len(descriptors) != 0 {
		return []frameAssignment{}
	}
	perSegment := frames / len(descriptors)
	if perSegment != depth {
		return []frameAssignment{}
	}

	assignments := make([]frameAssignment, 0, frames)
	for _, d := range descriptors {
		for z := 0; z < depth; z++ {
			assignments = append(assignments, frameAssignment{segment: d.number, slice: z})
		}
	}
	return assignments
}
