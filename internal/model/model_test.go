package model

import (
	"strings"
	"testing"

	"github.com/mrsinham/dicomharvest/internal/volume"
)

func TestSegmentationMerge(t *testing.T) {
	a := &Segmentation{
		ReferencedSeriesUID: "1.2.3.4",
		Masks:               map[string]*volume.Mask{"prostate": maskWith(0, 0, 0)},
	}
	b := &Segmentation{
		ReferencedSeriesUID: "1.2.3.4",
		Masks: map[string]*volume.Mask{
			"prostate": maskWith(0, 1, 1),
			"bladder":  maskWith(0, 0, 1),
		},
	}

	a.Merge(b)

	if len(a.Masks) != 2 {
		t.Fatalf("got %d masks, want 2", len(a.Masks))
	}
	prostate := a.Masks["prostate"]
	if prostate.At(0, 0, 0) != 1 || prostate.At(0, 1, 1) != 1 {
		t.Error("shared organ masks were not OR-merged")
	}
	if a.Masks["bladder"].At(0, 0, 1) != 1 {
		t.Error("new organ mask not adopted")
	}
}

func maskWith(z, y, x int) *volume.Mask {
	m := volume.NewMask([3]int{1, 2, 2})
	m.Set(z, y, x, 1)
	return m
}

func TestPatientRecordEntry(t *testing.T) {
	record := &PatientRecord{
		PatientID: "P1",
		Entries: []RecordEntry{
			{CriterionName: "CT"},
			{CriterionName: "T2"},
		},
	}

	entry, ok := record.Entry("T2")
	if !ok || entry.CriterionName != "T2" {
		t.Errorf("Entry(T2) = %v, %v", entry, ok)
	}
	if _, ok := record.Entry("PET"); ok {
		t.Error("Entry(PET) should miss")
	}
}

func TestFailureRecordString(t *testing.T) {
	f := FailureRecord{PatientID: "P1", Reason: ReasonNoMatchingImages}
	if got := f.String(); !strings.Contains(got, "P1") || !strings.Contains(got, "no matching images") {
		t.Errorf("String() = %q", got)
	}

	withDetail := FailureRecord{PatientID: "P1", Reason: ReasonUnreadableSource, Detail: "IMG001.dcm"}
	if got := withDetail.String(); !strings.Contains(got, "IMG001.dcm") {
		t.Errorf("String() = %q, detail missing", got)
	}
}
