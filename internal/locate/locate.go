// Package locate discovers, per patient, the raw image files and the
// candidate segmentation files of an extraction run.
//
// The input layout is a root directory with one sub-directory per patient.
// Image files are discovered recursively inside each patient directory.
// Segmentation candidates are either colocated with the images or live in a
// shared directory, matched to a patient by a filename convention: a
// configured prefix token immediately followed by the patient number (for
// example "Patient7" in "Patient7_CT.seg.nrrd").
package locate

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Segmentation file suffixes recognized as candidates during discovery.
// DICOM SEG and RTSTRUCT sources carry regular DICOM suffixes and are told
// apart from image slices later, by modality.
var segmentationSuffixes = []string{".nrrd", ".seg.nrrd"}

// PatientLocation holds everything discovered for one patient before any
// file is parsed.
type PatientLocation struct {
	// DirName is the patient's directory name under the root. The patient
	// number used by the filename convention is the last run of digits in
	// it.
	DirName string

	ImageFiles        []string
	SegmentationFiles []string
}

// Locator discovers patient locations under a root directory.
type Locator struct {
	root             string
	segmentationsDir string
	patientPrefix    string
	logger           *slog.Logger
}

// Option configures a Locator.
type Option func(*Locator)

// WithSegmentationsDir points the locator at a shared directory holding
// segmentation files for all patients, matched by filename convention.
func WithSegmentationsDir(dir string) Option {
	return func(l *Locator) { l.segmentationsDir = dir }
}

// WithPatientPrefix sets the prefix token of the filename convention.
// Default is "Patient".
func WithPatientPrefix(prefix string) Option {
	return func(l *Locator) { l.patientPrefix = prefix }
}

// New returns a Locator over the given patients root.
func New(root string, logger *slog.Logger, opts ...Option) *Locator {
	l := &Locator{
		root:          root,
		patientPrefix: "Patient",
		logger:        logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Locate walks the root and returns one PatientLocation per patient
// directory, in lexical order so runs are deterministic.
func (l *Locator) Locate() ([]PatientLocation, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("read patients root: %w", err)
	}

	var shared []string
	if l.segmentationsDir != "" {
		shared, err = listFiles(l.segmentationsDir)
		if err != nil {
			return nil, fmt.Errorf("read segmentations directory: %w", err)
		}
	}

	var locations []PatientLocation
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		loc, err := l.locatePatient(entry.Name(), shared)
		if err != nil {
			l.logger.Warn("skipping unreadable patient directory",
				"patient", entry.Name(), "error", err)
			continue
		}
		locations = append(locations, loc)
	}

	sort.Slice(locations, func(i, j int) bool {
		return locations[i].DirName < locations[j].DirName
	})
	return locations, nil
}

func (l *Locator) locatePatient(dirName string, shared []string) (PatientLocation, error) {
	loc := PatientLocation{DirName: dirName}

	patientDir := filepath.Join(l.root, dirName)
	err := filepath.WalkDir(patientDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if isSegmentationFilename(d.Name()) {
			loc.SegmentationFiles = append(loc.SegmentationFiles, path)
		} else {
			loc.ImageFiles = append(loc.ImageFiles, path)
		}
		return nil
	})
	if err != nil {
		return PatientLocation{}, err
	}

	if number, ok := patientNumber(dirName); ok {
		token := l.patientPrefix + number
		for _, path := range shared {
			if strings.Contains(filepath.Base(path), token) {
				loc.SegmentationFiles = append(loc.SegmentationFiles, path)
			}
		}
	} else if len(shared) > 0 {
		l.logger.Warn("patient directory name carries no number, shared segmentations cannot be matched",
			"patient", dirName)
	}

	sort.Strings(loc.ImageFiles)
	sort.Strings(loc.SegmentationFiles)
	return loc, nil
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	return files, nil
}

func isSegmentationFilename(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range segmentationSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

var trailingNumber = regexp.MustCompile(`\d+`)

// patientNumber extracts the patient number from a directory name. The last
// run of digits wins, matching the segmentation filename convention.
func patientNumber(name string) (string, bool) {
	matches := trailingNumber.FindAllString(name, -1)
	if len(matches) == 0 {
		return "", false
	}
	return matches[len(matches)-1], true
}
