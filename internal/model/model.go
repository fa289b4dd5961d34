// Package model defines the entities assembled during an extraction run:
// image series, segmentations and the per-patient records written to the
// database, plus the failure taxonomy accumulated across a run.
package model

import (
	"fmt"

	"github.com/mrsinham/dicomharvest/internal/volume"
)

// ImageSeries is one logical volume reconstructed from an ordered stack of
// DICOM slices sharing a SeriesInstanceUID. Slice order is spatial, not
// filename order.
type ImageSeries struct {
	UID         string
	Description string
	Modality    string

	// Paths lists the constituent files in stack order.
	Paths []string

	// Metadata holds free-form header fields keyed by DICOM keyword,
	// captured from the first slice of the series.
	Metadata map[string]string

	Volume *volume.Volume
}

// Segment is one raw labeled mask inside a segmentation source, before
// organ aliasing.
type Segment struct {
	Label string
	Mask  *volume.Mask
}

// Segmentation groups the binary label maps resolved from one segmentation
// source, keyed by canonical organ name. It references exactly one
// ImageSeries and every mask is shape-congruent with that series' volume.
type Segmentation struct {
	ReferencedSeriesUID string
	Modality            string
	Masks               map[string]*volume.Mask
}

// Merge folds the masks of other into s, OR-ing masks that share a
// canonical organ name.
func (s *Segmentation) Merge(other *Segmentation) {
	for organ, mask := range other.Masks {
		if existing, ok := s.Masks[organ]; ok {
			existing.Union(mask)
		} else {
			s.Masks[organ] = mask
		}
	}
}

// RecordEntry is one matched series inside a patient record, together with
// its segmentation when one resolved to it.
type RecordEntry struct {
	CriterionName string
	Series        *ImageSeries
	Segmentation  *Segmentation
}

// PatientRecord is the assembled output for one patient. Entries keep the
// order of the configured criteria.
type PatientRecord struct {
	PatientID string
	Entries   []RecordEntry
}

// Entry returns the entry for the given criterion name.
func (r *PatientRecord) Entry(name string) (*RecordEntry, bool) {
	for i := range r.Entries {
		if r.Entries[i].CriterionName == name {
			return &r.Entries[i], true
		}
	}
	return nil, false
}

// FailureReason classifies why part of a patient's data was dropped.
type FailureReason string

const (
	ReasonNoMatchingImages     FailureReason = "no matching images"
	ReasonUnresolvedReference  FailureReason = "segmentation reference unresolved"
	ReasonInconsistentGeometry FailureReason = "inconsistent series geometry"
	ReasonUnreadableSource     FailureReason = "unreadable source file"
	ReasonTransformFailed      FailureReason = "transform failed"
	ReasonUnsupportedFormat    FailureReason = "unsupported segmentation format"
)

// FailureRecord captures one recovered per-patient condition. Failures are
// aggregated across the run and never abort it.
type FailureRecord struct {
	PatientID string
	Reason    FailureReason
	Detail    string
}

func (f FailureRecord) String() string {
	if f.Detail == "" {
		return fmt.Sprintf("%s: %s", f.PatientID, f.Reason)
	}
	return fmt.Sprintf("%s: %s (%s)", f.PatientID, f.Reason, f.Detail)
}
