package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"gonum.org/v1/hdf5"

	"github.com/mrsinham/dicomharvest/internal/extract"
	"github.com/mrsinham/dicomharvest/internal/locate"
	"github.com/mrsinham/dicomharvest/internal/match"
	"github.com/mrsinham/dicomharvest/internal/model"
	"github.com/mrsinham/dicomharvest/internal/segmentation"
	"github.com/mrsinham/dicomharvest/internal/series"
	"github.com/mrsinham/dicomharvest/internal/testsupport"
	"github.com/mrsinham/dicomharvest/internal/util"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newExtractor wires a batch extractor over the given patients root.
func newExtractor(t *testing.T, patientsDir string, logger *slog.Logger) *extract.Extractor {
	t.Helper()
	extractor, err := extract.New(extract.Config{
		Locator:  locate.New(patientsDir, logger),
		Grouper:  series.NewGrouper(logger),
		Resolver: segmentation.NewResolver(nil, logger),
		Criteria: match.New(),
		Logger:   logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	return extractor
}

func TestNewDatabaseAppendsSuffix(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{"bare name", "dataset", "dataset.h5"},
		{"already suffixed", "dataset.h5", "dataset.h5"},
		{"other extension kept", "dataset.hdf", "dataset.hdf.h5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := NewDatabase(tt.path, discardLogger())
			if db.Path() != tt.want {
				t.Errorf("Path = %q, want %q", db.Path(), tt.want)
			}
		})
	}
}

func TestCreateRefusesExistingDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dataset.h5")
	if err := os.WriteFile(path, []byte("existing"), 0644); err != nil {
		t.Fatal(err)
	}

	logger := discardLogger()
	extractor := newExtractor(t, t.TempDir(), logger)

	db := NewDatabase(path, logger)
	_, err := db.Create(context.Background(), extractor, Options{})
	if !errors.Is(err, ErrDatabaseExists) {
		t.Fatalf("err = %v, want ErrDatabaseExists", err)
	}

	// Nothing was written over the existing file.
	content, readErr := os.ReadFile(path)
	if readErr != nil {
		t.Fatal(readErr)
	}
	if string(content) != "existing" {
		t.Error("destination was touched despite the conflict")
	}
}

func TestCreateSurfacesStatFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dataset.h5")
	// A self-referential symlink makes Stat fail with something other
	// than "does not exist"; that must not be read as an absent
	// destination.
	if err := os.Symlink(path, path); err != nil {
		t.Fatal(err)
	}

	logger := discardLogger()
	extractor := newExtractor(t, t.TempDir(), logger)

	db := NewDatabase(path, logger)
	_, err := db.Create(context.Background(), extractor, Options{})
	if errors.Is(err, ErrDatabaseExists) {
		t.Fatalf("err = %v, want the stat failure, not a conflict", err)
	}
	if !errors.Is(err, syscall.ELOOP) {
		t.Fatalf("err = %v, want the destination stat error", err)
	}
}

func TestCreateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	patientsDir := filepath.Join(dir, "patients")
	patientDir := filepath.Join(patientsDir, "Patient1")
	if err := os.MkdirAll(patientDir, 0755); err != nil {
		t.Fatal(err)
	}

	ref := testsupport.SeriesSpec{
		PatientID:   "PID001",
		SeriesUID:   "1.2.3.1",
		Description: "CT PLAIN",
		Slices:      3,
		Rows:        8,
		Cols:        8,
	}
	testsupport.WriteImageSeries(t, patientDir, ref)
	testsupport.WriteSEG(t, filepath.Join(patientDir, "seg.dcm"), ref, []testsupport.SEGSegment{
		{Label: "prostate", Slices: []int{1}, Rect: [4]int{2, 2, 5, 5}},
	})

	logger := discardLogger()
	extractor := newExtractor(t, patientsDir, logger)

	attrs, err := util.ParseAttributeNames([]string{"modality", "seriesdescription"})
	if err != nil {
		t.Fatal(err)
	}

	db := NewDatabase(filepath.Join(dir, "dataset"), logger)
	result, err := db.Create(context.Background(), extractor, Options{
		Attributes:    attrs,
		GeometryAttrs: true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if result.Written != 1 || result.Failed != 0 {
		t.Fatalf("result = %+v, want 1 written and 0 failed", result)
	}

	f, err := hdf5.OpenFile(db.Path(), hdf5.F_ACC_RDONLY)
	if err != nil {
		t.Fatalf("reopen database: %v", err)
	}
	defer func() { _ = f.Close() }()

	// With empty criteria the entry is keyed by its series description.
	group, err := f.OpenGroup("PID001/CT PLAIN")
	if err != nil {
		t.Fatalf("open entry group: %v", err)
	}
	defer func() { _ = group.Close() }()

	t.Run("image dataset", func(t *testing.T) {
		dataset := openDataset(t, group, "Image")
		defer func() { _ = dataset.Close() }()
		checkDims(t, dataset, []uint{3, 8, 8})

		data := make([]float32, 3*8*8)
		if err := dataset.Read(&data); err != nil {
			t.Fatalf("read image: %v", err)
		}
		// Voxel (z=1, y=2, x=3) in z-major layout.
		if got := data[(1*8+2)*8+3]; got != float32(testsupport.GradientValue(1, 2, 3)) {
			t.Errorf("voxel (1,2,3) = %v, want %v", got, testsupport.GradientValue(1, 2, 3))
		}
	})

	t.Run("mask dataset", func(t *testing.T) {
		dataset := openDataset(t, group, "prostate")
		defer func() { _ = dataset.Close() }()
		checkDims(t, dataset, []uint{3, 8, 8})

		data := make([]int8, 3*8*8)
		if err := dataset.Read(&data); err != nil {
			t.Fatalf("read mask: %v", err)
		}
		if got := data[(1*8+3)*8+3]; got != 1 {
			t.Errorf("voxel inside the segment = %d, want 1", got)
		}
		if got := data[(0*8+3)*8+3]; got != 0 {
			t.Errorf("voxel on an uncovered slice = %d, want 0", got)
		}
	})

	t.Run("metadata attributes", func(t *testing.T) {
		attr, err := group.OpenAttribute("Modality")
		if err != nil {
			t.Fatalf("open Modality attribute: %v", err)
		}
		defer func() { _ = attr.Close() }()

		var modality string
		if err := attr.Read(&modality, hdf5.T_GO_STRING); err != nil {
			t.Fatalf("read Modality attribute: %v", err)
		}
		if modality != "CT" {
			t.Errorf("Modality = %q, want CT", modality)
		}
	})

	t.Run("geometry attributes", func(t *testing.T) {
		attr, err := group.OpenAttribute("Size")
		if err != nil {
			t.Fatalf("open Size attribute: %v", err)
		}
		defer func() { _ = attr.Close() }()

		size := make([]int64, 3)
		if err := attr.Read(&size, hdf5.T_NATIVE_INT64); err != nil {
			t.Fatalf("read Size attribute: %v", err)
		}
		// Size is X, Y, Z.
		if size[0] != 8 || size[1] != 8 || size[2] != 3 {
			t.Errorf("Size = %v, want [8 8 3]", size)
		}
	})
}

func openDataset(t *testing.T, group *hdf5.Group, name string) *hdf5.Dataset {
	t.Helper()
	dataset, err := group.OpenDataset(name)
	if err != nil {
		t.Fatalf("open dataset %s: %v", name, err)
	}
	return dataset
}

func checkDims(t *testing.T, dataset *hdf5.Dataset, want []uint) {
	t.Helper()
	space := dataset.Space()
	defer func() { _ = space.Close() }()

	dims, _, err := space.SimpleExtentDims()
	if err != nil {
		t.Fatalf("read dataspace dims: %v", err)
	}
	if len(dims) != len(want) {
		t.Fatalf("dims = %v, want %v", dims, want)
	}
	for i := range want {
		if dims[i] != want[i] {
			t.Fatalf("dims = %v, want %v", dims, want)
		}
	}
}

func TestFailedCount(t *testing.T) {
	failures := []model.FailureRecord{
		{PatientID: "P1", Reason: model.ReasonNoMatchingImages},
		{PatientID: "P1", Reason: model.ReasonUnresolvedReference},
		{PatientID: "P2", Reason: model.ReasonUnresolvedReference},
		{PatientID: "P3", Reason: model.ReasonNoMatchingImages},
		{Reason: model.ReasonUnreadableSource}, // no patient attribution
	}
	written := map[string]bool{"P2": true}

	// P1 counted once, P2 was written anyway, P3 counted.
	if got := failedCount(failures, written); got != 2 {
		t.Errorf("failedCount = %d, want 2", got)
	}
}
