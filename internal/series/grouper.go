// Package series groups raw per-file DICOM slices into logical volumes.
//
// Grouping is keyed by SeriesInstanceUID. Within a group slices are ordered
// by their position projected on the stack normal, which is the ordering
// that yields spatially monotonic geometry; filename order is never used.
// Pixel decoding itself is delegated to the parser dependency, the grouper
// owns grouping, ordering and the geometry consistency check.
package series

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/mrsinham/dicomharvest/internal/dicomutil"
	"github.com/mrsinham/dicomharvest/internal/model"
	"github.com/mrsinham/dicomharvest/internal/util"
	"github.com/mrsinham/dicomharvest/internal/volume"
)

// sliceInfo is the header summary of one image file, kept until the series
// it belongs to is ordered and decoded.
type sliceInfo struct {
	path           string
	uid            string
	description    string
	modality       string
	rows, cols     int
	position       []float64
	orientation    []float64
	instanceNumber int
	header         dicom.Dataset
}

// Grouper builds ImageSeries volumes from a patient's raw image files.
type Grouper struct {
	logger *slog.Logger
}

// NewGrouper returns a Grouper logging through the given logger.
func NewGrouper(logger *slog.Logger) *Grouper {
	return &Grouper{logger: logger}
}

// Group header-scans the given files, groups them into series and decodes
// each series into a volume. Files whose modality marks them as
// segmentation objects rather than image slices are returned separately as
// segmentation candidates. The returned failures cover dropped series and
// never abort the patient; the patient ID is taken from the first readable
// header.
func (g *Grouper) Group(files []string) (seriesList []*model.ImageSeries, segmentationFiles []string, patientID string, failures []model.FailureRecord) {
	groups := make(map[string][]sliceInfo)

	for _, path := range files {
		ds, err := dicomutil.ParseHeader(path)
		if err != nil {
			g.logger.Warn("skipping unreadable image file", "path", path, "error", err)
			failures = append(failures, model.FailureRecord{
				Reason: model.ReasonUnreadableSource,
				Detail: path,
			})
			continue
		}

		if modality, _ := dicomutil.String(ds, tag.Modality); modality == "SEG" || modality == "RTSTRUCT" {
			segmentationFiles = append(segmentationFiles, path)
			continue
		}

		uid, ok := dicomutil.String(ds, tag.SeriesInstanceUID)
		if !ok || uid == "" {
			g.logger.Warn("image file carries no SeriesInstanceUID", "path", path)
			failures = append(failures, model.FailureRecord{
				Reason: model.ReasonUnreadableSource,
				Detail: path,
			})
			continue
		}

		if patientID == "" {
			patientID, _ = dicomutil.String(ds, tag.PatientID)
		}

		info := sliceInfo{path: path, uid: uid, header: ds}
		info.description, _ = dicomutil.String(ds, tag.SeriesDescription)
		info.modality, _ = dicomutil.String(ds, tag.Modality)
		info.rows, _ = dicomutil.Int(ds, tag.Rows)
		info.cols, _ = dicomutil.Int(ds, tag.Columns)
		info.position, _ = dicomutil.Floats(ds, tag.ImagePositionPatient)
		info.orientation, _ = dicomutil.Floats(ds, tag.ImageOrientationPatient)
		info.instanceNumber, _ = dicomutil.Int(ds, tag.InstanceNumber)

		groups[uid] = append(groups[uid], info)
	}

	uids := make([]string, 0, len(groups))
	for uid := range groups {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	for _, uid := range uids {
		slices := groups[uid]

		if err := checkGeometry(slices); err != nil {
			g.logger.Warn("dropping series with inconsistent geometry",
				"series", uid, "error", err)
			failures = append(failures, model.FailureRecord{
				PatientID: patientID,
				Reason:    model.ReasonInconsistentGeometry,
				Detail:    fmt.Sprintf("series %s: %v", uid, err),
			})
			continue
		}

		orderSlices(slices)

		vol, err := g.buildVolume(slices)
		if err != nil {
			g.logger.Warn("dropping undecodable series", "series", uid, "error", err)
			failures = append(failures, model.FailureRecord{
				PatientID: patientID,
				Reason:    model.ReasonUnreadableSource,
				Detail:    fmt.Sprintf("series %s: %v", uid, err),
			})
			continue
		}

		paths := make([]string, len(slices))
		for i, s := range slices {
			paths[i] = s.path
		}

		seriesList = append(seriesList, &model.ImageSeries{
			UID:         uid,
			Description: slices[0].description,
			Modality:    slices[0].modality,
			Paths:       paths,
			Metadata:    captureMetadata(slices[0].header),
			Volume:      vol,
		})
	}

	return seriesList, segmentationFiles, patientID, failures
}

// checkGeometry verifies that every slice of a group shares the in-plane
// dimensions of the first.
func checkGeometry(slices []sliceInfo) error {
	first := slices[0]
	for _, s := range slices[1:] {
		if s.rows != first.rows || s.cols != first.cols {
			return fmt.Errorf("slice %s is %dx%d, expected %dx%d",
				s.path, s.rows, s.cols, first.rows, first.cols)
		}
	}
	return nil
}

// orderSlices sorts a group by position along the stack normal, falling
// back to InstanceNumber when positions are absent.
func orderSlices(slices []sliceInfo) {
	normal, ok := stackNormal(slices[0].orientation)
	if ok && allPositioned(slices) {
		sort.SliceStable(slices, func(i, j int) bool {
			return project(slices[i].position, normal) < project(slices[j].position, normal)
		})
		return
	}
	sort.SliceStable(slices, func(i, j int) bool {
		return slices[i].instanceNumber < slices[j].instanceNumber
	})
}

func allPositioned(slices []sliceInfo) bool {
	for _, s := range slices {
		if len(s.position) < 3 {
			return false
		}
	}
	return true
}

// stackNormal derives the slice normal as the cross product of the row and
// column direction cosines.
func stackNormal(orientation []float64) ([3]float64, bool) {
	if len(orientation) < 6 {
		return [3]float64{}, false
	}
	r := orientation[:3]
	c := orientation[3:6]
	return [3]float64{
		r[1]*c[2] - r[2]*c[1],
		r[2]*c[0] - r[0]*c[2],
		r[0]*c[1] - r[1]*c[0],
	}, true
}

func project(position []float64, normal [3]float64) float64 {
	return position[0]*normal[0] + position[1]*normal[1] + position[2]*normal[2]
}

// buildVolume decodes every slice of an ordered group and stacks the frames
// into a volume, applying the rescale transform when the header carries one.
func (g *Grouper) buildVolume(slices []sliceInfo) (*volume.Volume, error) {
	first := slices[0]
	if first.rows == 0 || first.cols == 0 {
		return nil, fmt.Errorf("missing Rows/Columns")
	}

	var data []float32
	depth := 0
	for _, s := range slices {
		frames, err := dicomutil.DecodeFrames(s.path)
		if err != nil {
			// A failed read on one file does not block its siblings.
			g.logger.Warn("skipping unreadable slice", "path", s.path, "error", err)
			continue
		}

		slope, intercept := rescale(s.header)
		for _, values := range frames {
			if len(values) != first.rows*first.cols {
				return nil, fmt.Errorf("frame of %s has %d pixels, expected %d",
					s.path, len(values), first.rows*first.cols)
			}
			for _, v := range values {
				data = append(data, float32(float64(v)*slope+intercept))
			}
			depth++
		}
	}
	if depth == 0 {
		return nil, fmt.Errorf("no decodable slices")
	}

	vol := &volume.Volume{
		Dims: [3]int{depth, first.rows, first.cols},
		Data: data,
	}
	applyGeometry(vol, slices)
	return vol, nil
}

// applyGeometry fills spacing, origin and direction from the ordered slice
// headers. Z spacing is the mean gap between consecutive positions along
// the normal, with SliceThickness as fallback.
func applyGeometry(vol *volume.Volume, slices []sliceInfo) {
	first := slices[0]
	vol.Spacing = [3]float64{1, 1, 1}
	vol.Direction = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

	if spacing, ok := dicomutil.Floats(first.header, tag.PixelSpacing); ok && len(spacing) >= 2 {
		// PixelSpacing is row spacing then column spacing.
		vol.Spacing[0] = spacing[1]
		vol.Spacing[1] = spacing[0]
	}

	if len(first.position) >= 3 {
		vol.Origin = [3]float64{first.position[0], first.position[1], first.position[2]}
	}

	normal, hasNormal := stackNormal(first.orientation)
	if hasNormal {
		r := first.orientation[:3]
		c := first.orientation[3:6]
		vol.Direction = [9]float64{
			r[0], c[0], normal[0],
			r[1], c[1], normal[1],
			r[2], c[2], normal[2],
		}
	}

	switch {
	case hasNormal && len(slices) > 1 && allPositioned(slices):
		total := project(slices[len(slices)-1].position, normal) - project(slices[0].position, normal)
		if gap := total / float64(len(slices)-1); gap > 0 {
			vol.Spacing[2] = gap
		}
	default:
		if thickness, ok := dicomutil.Floats(first.header, tag.SliceThickness); ok && thickness[0] > 0 {
			vol.Spacing[2] = thickness[0]
		}
	}
}

func rescale(ds dicom.Dataset) (slope, intercept float64) {
	slope = 1
	if values, ok := dicomutil.Floats(ds, tag.RescaleSlope); ok && values[0] != 0 {
		slope = values[0]
	}
	if values, ok := dicomutil.Floats(ds, tag.RescaleIntercept); ok {
		intercept = values[0]
	}
	return slope, intercept
}

// captureMetadata copies every registered attribute present in the header
// into a keyword-keyed map.
func captureMetadata(ds dicom.Dataset) map[string]string {
	metadata := make(map[string]string)
	for _, info := range util.AllTags() {
		if value, ok := dicomutil.String(ds, info.Tag); ok && value != "" {
			metadata[info.Name] = value
		}
	}
	return metadata
}
