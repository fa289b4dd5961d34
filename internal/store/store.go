// Package store writes assembled patient records into an HDF5 database.
//
// The layout mirrors one group per patient, one sub-group per record
// entry: the image as a float32 "Image" dataset, each organ mask as a
// sibling int8 dataset and the selected metadata fields as group
// attributes. Writing is pull-based, one patient resident at a time, and
// the destination is guarded by an advisory file lock so two runs cannot
// interleave writes.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/gofrs/flock"
	"gonum.org/v1/hdf5"

	"github.com/mrsinham/dicomharvest/internal/extract"
	"github.com/mrsinham/dicomharvest/internal/model"
	"github.com/mrsinham/dicomharvest/internal/util"
	"github.com/mrsinham/dicomharvest/internal/volume"
)

// ErrDatabaseExists is returned by Create when the destination file exists
// and overwrite was not requested. Nothing is written in that case.
var ErrDatabaseExists = errors.New("database file already exists")

// imageDatasetName is reserved inside each entry group; organ names may
// not collide with it.
const imageDatasetName = "Image"

// Options configures one Create call.
type Options struct {
	// Overwrite truncates an existing destination instead of failing.
	Overwrite bool

	// Attributes selects the metadata fields written as group attributes.
	Attributes []util.TagInfo

	// GeometryAttrs adds Size, Origin, Spacing and Direction attributes
	// to each entry group.
	GeometryAttrs bool
}

// Result summarizes one Create call.
type Result struct {
	Written int
	Failed  int
}

// Database is bound to one destination path. The ".h5" suffix is appended
// when missing.
type Database struct {
	path   string
	logger *slog.Logger
}

// NewDatabase returns a Database writing to the given path.
func NewDatabase(path string, logger *slog.Logger) *Database {
	if !strings.HasSuffix(path, ".h5") {
		path += ".h5"
	}
	return &Database{path: path, logger: logger}
}

// Path returns the destination path including the enforced suffix.
func (d *Database) Path() string {
	return d.path
}

// Create pulls every record out of the extractor and writes it to the
// destination. Each patient group is flushed before the next record is
// requested, so cancelling mid-run keeps the patients already written.
func (d *Database) Create(ctx context.Context, extractor *extract.Extractor, opts Options) (Result, error) {
	lock := flock.New(d.path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return Result{}, fmt.Errorf("acquire database lock: %w", err)
	}
	if !locked {
		return Result{}, fmt.Errorf("database %s is locked by another process", d.path)
	}
	defer func() { _ = lock.Unlock() }()

	// The conflict check runs under the lock so two concurrent runs
	// cannot both observe an absent destination.
	if _, err := os.Stat(d.path); err == nil {
		if !opts.Overwrite {
			return Result{}, fmt.Errorf("%w: %s", ErrDatabaseExists, d.path)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Result{}, fmt.Errorf("stat destination: %w", err)
	}

	f, err := hdf5.CreateFile(d.path, hdf5.F_ACC_TRUNC)
	if err != nil {
		return Result{}, fmt.Errorf("create database file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var result Result
	written := make(map[string]bool)
	for {
		record, err := extractor.Next(ctx)
		if errors.Is(err, extract.Done) {
			break
		}
		if err != nil {
			result.Failed = failedCount(extractor.Failures(), written)
			return result, err
		}

		if err := d.writePatient(f, record, opts); err != nil {
			result.Failed = failedCount(extractor.Failures(), written)
			return result, fmt.Errorf("write patient %s: %w", record.PatientID, err)
		}
		if err := f.Flush(hdf5.F_SCOPE_GLOBAL); err != nil {
			result.Failed = failedCount(extractor.Failures(), written)
			return result, fmt.Errorf("flush after patient %s: %w", record.PatientID, err)
		}

		written[record.PatientID] = true
		result.Written++
		d.logger.Info("patient written", "patient", record.PatientID,
			"entries", len(record.Entries))
	}

	result.Failed = failedCount(extractor.Failures(), written)
	return result, nil
}

// failedCount counts the distinct patients that produced failures and were
// never written.
func failedCount(failures []model.FailureRecord, written map[string]bool) int {
	failed := make(map[string]bool)
	for _, f := range failures {
		if f.PatientID != "" && !written[f.PatientID] {
			failed[f.PatientID] = true
		}
	}
	return len(failed)
}

func (d *Database) writePatient(f *hdf5.File, record *model.PatientRecord, opts Options) error {
	patientGroup, err := f.CreateGroup(record.PatientID)
	if err != nil {
		return fmt.Errorf("create patient group: %w", err)
	}
	defer func() { _ = patientGroup.Close() }()

	for _, entry := range record.Entries {
		if err := d.writeEntry(patientGroup, entry, opts); err != nil {
			return fmt.Errorf("entry %s: %w", entry.CriterionName, err)
		}
	}
	return nil
}

func (d *Database) writeEntry(patientGroup *hdf5.Group, entry model.RecordEntry, opts Options) error {
	group, err := patientGroup.CreateGroup(entry.CriterionName)
	if err != nil {
		return fmt.Errorf("create entry group: %w", err)
	}
	defer func() { _ = group.Close() }()

	for _, info := range opts.Attributes {
		value, ok := entry.Series.Metadata[info.Name]
		if !ok {
			continue
		}
		if err := writeStringAttr(group, info.Name, value); err != nil {
			return fmt.Errorf("attribute %s: %w", info.Name, err)
		}
	}

	if opts.GeometryAttrs {
		if err := writeGeometryAttrs(group, entry.Series.Volume); err != nil {
			return err
		}
	}

	if err := writeImage(group, entry.Series.Volume); err != nil {
		return fmt.Errorf("image dataset: %w", err)
	}

	if entry.Segmentation == nil {
		return nil
	}
	organs := make([]string, 0, len(entry.Segmentation.Masks))
	for organ := range entry.Segmentation.Masks {
		organs = append(organs, organ)
	}
	sort.Strings(organs)
	for _, organ := range organs {
		if organ == imageDatasetName {
			return fmt.Errorf("organ name %q collides with the image dataset", organ)
		}
		if err := writeMask(group, organ, entry.Segmentation.Masks[organ]); err != nil {
			return fmt.Errorf("mask dataset %s: %w", organ, err)
		}
	}
	return nil
}

func writeImage(group *hdf5.Group, vol *volume.Volume) error {
	dims := []uint{uint(vol.Dims[0]), uint(vol.Dims[1]), uint(vol.Dims[2])}
	space, err := hdf5.CreateSimpleDataspace(dims, nil)
	if err != nil {
		return err
	}
	defer func() { _ = space.Close() }()

	dataset, err := group.CreateDataset(imageDatasetName, hdf5.T_NATIVE_FLOAT, space)
	if err != nil {
		return err
	}
	defer func() { _ = dataset.Close() }()

	return dataset.Write(&vol.Data)
}

func writeMask(group *hdf5.Group, name string, mask *volume.Mask) error {
	dims := []uint{uint(mask.Dims[0]), uint(mask.Dims[1]), uint(mask.Dims[2])}
	space, err := hdf5.CreateSimpleDataspace(dims, nil)
	if err != nil {
		return err
	}
	defer func() { _ = space.Close() }()

	dataset, err := group.CreateDataset(name, hdf5.T_NATIVE_INT8, space)
	if err != nil {
		return err
	}
	defer func() { _ = dataset.Close() }()

	data := make([]int8, len(mask.Data))
	for i, v := range mask.Data {
		data[i] = int8(v)
	}
	return dataset.Write(&data)
}

func writeGeometryAttrs(group *hdf5.Group, vol *volume.Volume) error {
	size := []int64{int64(vol.Dims[2]), int64(vol.Dims[1]), int64(vol.Dims[0])}
	if err := writeIntsAttr(group, "Size", size); err != nil {
		return err
	}
	if err := writeFloatsAttr(group, "Origin", vol.Origin[:]); err != nil {
		return err
	}
	if err := writeFloatsAttr(group, "Spacing", vol.Spacing[:]); err != nil {
		return err
	}
	return writeFloatsAttr(group, "Direction", vol.Direction[:])
}

func writeStringAttr(group *hdf5.Group, name, value string) error {
	space, err := hdf5.CreateDataspace(hdf5.S_SCALAR)
	if err != nil {
		return err
	}
	defer func() { _ = space.Close() }()

	attr, err := group.CreateAttribute(name, hdf5.T_GO_STRING, space)
	if err != nil {
		return err
	}
	defer func() { _ = attr.Close() }()

	return attr.Write(&value, hdf5.T_GO_STRING)
}

func writeFloatsAttr(group *hdf5.Group, name string, values []float64) error {
	space, err := hdf5.CreateSimpleDataspace([]uint{uint(len(values))}, nil)
	if err != nil {
		return err
	}
	defer func() { _ = space.Close() }()

	attr, err := group.CreateAttribute(name, hdf5.T_NATIVE_DOUBLE, space)
	if err != nil {
		return err
	}
	defer func() { _ = attr.Close() }()

	return attr.Write(&values, hdf5.T_NATIVE_DOUBLE)
}

func writeIntsAttr(group *hdf5.Group, name string, values []int64) error {
	space, err := hdf5.CreateSimpleDataspace([]uint{uint(len(values))}, nil)
	if err != nil {
		return err
	}
	defer func() { _ = space.Close() }()

	attr, err := group.CreateAttribute(name, hdf5.T_NATIVE_INT64, space)
	if err != nil {
		return err
	}
	defer func() { _ = attr.Close() }()

	return attr.Write(&values, hdf5.T_NATIVE_INT64)
}
