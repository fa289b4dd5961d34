package series

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mrsinham/dicomharvest/internal/model"
	"github.com/mrsinham/dicomharvest/internal/testsupport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGroupBuildsVolume(t *testing.T) {
	dir := t.TempDir()
	spec := testsupport.SeriesSpec{
		PatientID:   "PID001",
		SeriesUID:   "1.2.3.4",
		Description: "CT PLAIN",
		Slices:      3,
		Rows:        8,
		Cols:        8,
		SliceGap:    2.5,
	}
	files := testsupport.WriteImageSeries(t, dir, spec)

	seriesList, segFiles, patientID, failures := NewGrouper(discardLogger()).Group(files)
	if len(failures) != 0 {
		t.Fatalf("failures: %v", failures)
	}
	if len(segFiles) != 0 {
		t.Fatalf("unexpected segmentation candidates: %v", segFiles)
	}
	if patientID != "PID001" {
		t.Errorf("patientID = %q, want PID001", patientID)
	}
	if len(seriesList) != 1 {
		t.Fatalf("got %d series, want 1", len(seriesList))
	}

	s := seriesList[0]
	if s.UID != "1.2.3.4" || s.Description != "CT PLAIN" || s.Modality != "CT" {
		t.Errorf("series header = %q %q %q", s.UID, s.Description, s.Modality)
	}
	if s.Volume.Dims != [3]int{3, 8, 8} {
		t.Fatalf("Dims = %v, want [3 8 8]", s.Volume.Dims)
	}
	if got := s.Volume.At(1, 2, 3); got != float32(testsupport.GradientValue(1, 2, 3)) {
		t.Errorf("voxel (1,2,3) = %v, want %v", got, testsupport.GradientValue(1, 2, 3))
	}
	if s.Volume.Spacing[2] != 2.5 {
		t.Errorf("stack spacing = %v, want 2.5", s.Volume.Spacing[2])
	}
	if s.Metadata["SeriesDescription"] != "CT PLAIN" {
		t.Errorf("metadata not captured: %v", s.Metadata)
	}
}

func TestGroupOrdersSlicesSpatially(t *testing.T) {
	dir := t.TempDir()
	spec := testsupport.SeriesSpec{
		PatientID:   "PID001",
		SeriesUID:   "1.2.3.4",
		Description: "CT PLAIN",
		Slices:      4,
		Rows:        4,
		Cols:        4,
	}
	files := testsupport.WriteImageSeries(t, dir, spec)

	// Hand the files over in reversed filename order; slice order must
	// come from positions, not from the argument order.
	reversed := make([]string, len(files))
	for i, f := range files {
		reversed[len(files)-1-i] = f
	}

	seriesList, _, _, failures := NewGrouper(discardLogger()).Group(reversed)
	if len(failures) != 0 {
		t.Fatalf("failures: %v", failures)
	}
	if len(seriesList) != 1 {
		t.Fatalf("got %d series, want 1", len(seriesList))
	}

	s := seriesList[0]
	for z := 0; z < 4; z++ {
		if got := s.Volume.At(z, 0, 0); got != float32(testsupport.GradientValue(z, 0, 0)) {
			t.Errorf("slice %d out of order: voxel = %v, want %v",
				z, got, testsupport.GradientValue(z, 0, 0))
		}
	}
	if base := filepath.Base(s.Paths[0]); base != "IMG001.dcm" {
		t.Errorf("first path = %s, want IMG001.dcm", base)
	}
}

func TestGroupSplitsSeriesByUID(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	files := testsupport.WriteImageSeries(t, dir1, testsupport.SeriesSpec{
		PatientID: "PID001", SeriesUID: "1.2.3.4", Description: "CT PLAIN",
		Slices: 2, Rows: 4, Cols: 4,
	})
	files = append(files, testsupport.WriteImageSeries(t, dir2, testsupport.SeriesSpec{
		PatientID: "PID001", SeriesUID: "1.2.3.5", Description: "T2W_TSE", Modality: "MR",
		Slices: 2, Rows: 8, Cols: 8,
	})...)

	seriesList, _, _, failures := NewGrouper(discardLogger()).Group(files)
	if len(failures) != 0 {
		t.Fatalf("failures: %v", failures)
	}
	if len(seriesList) != 2 {
		t.Fatalf("got %d series, want 2", len(seriesList))
	}
	// Lexical UID order.
	if seriesList[0].UID != "1.2.3.4" || seriesList[1].UID != "1.2.3.5" {
		t.Errorf("series order: %s, %s", seriesList[0].UID, seriesList[1].UID)
	}
	if seriesList[1].Volume.Dims != [3]int{2, 8, 8} {
		t.Errorf("second series dims = %v", seriesList[1].Volume.Dims)
	}
}

func TestGroupDropsInconsistentGeometry(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	// Same UID, different in-plane dims.
	files := testsupport.WriteImageSeries(t, dir1, testsupport.SeriesSpec{
		PatientID: "PID001", SeriesUID: "1.2.3.4", Description: "CT PLAIN",
		Slices: 2, Rows: 4, Cols: 4,
	})
	files = append(files, testsupport.WriteImageSeries(t, dir2, testsupport.SeriesSpec{
		PatientID: "PID001", SeriesUID: "1.2.3.4", Description: "CT PLAIN",
		Slices: 1, Rows: 8, Cols: 8,
	})...)

	seriesList, _, _, failures := NewGrouper(discardLogger()).Group(files)
	if len(seriesList) != 0 {
		t.Errorf("inconsistent series survived: %v", seriesList[0].UID)
	}
	if len(failures) != 1 || failures[0].Reason != model.ReasonInconsistentGeometry {
		t.Errorf("failures = %v, want one ReasonInconsistentGeometry", failures)
	}
}

func TestGroupSkipsUnreadableFiles(t *testing.T) {
	dir := t.TempDir()
	files := testsupport.WriteImageSeries(t, dir, testsupport.SeriesSpec{
		PatientID: "PID001", SeriesUID: "1.2.3.4", Description: "CT PLAIN",
		Slices: 2, Rows: 4, Cols: 4,
	})

	junk := filepath.Join(dir, "junk.dcm")
	if err := os.WriteFile(junk, []byte("not a dicom file"), 0644); err != nil {
		t.Fatal(err)
	}
	files = append(files, junk)

	seriesList, _, _, failures := NewGrouper(discardLogger()).Group(files)
	if len(seriesList) != 1 {
		t.Fatalf("got %d series, want 1", len(seriesList))
	}
	if len(failures) != 1 || failures[0].Reason != model.ReasonUnreadableSource {
		t.Errorf("failures = %v, want one ReasonUnreadableSource", failures)
	}
}

func TestStackNormal(t *testing.T) {
	axial := []float64{1, 0, 0, 0, 1, 0}
	normal, ok := stackNormal(axial)
	if !ok {
		t.Fatal("stackNormal rejected axial orientation")
	}
	if normal != [3]float64{0, 0, 1} {
		t.Errorf("normal = %v, want [0 0 1]", normal)
	}

	if _, ok := stackNormal([]float64{1, 0}); ok {
		t.Error("truncated orientation should be rejected")
	}
}
