// Package segmentation resolves segmentation sources to the image series
// they reference.
//
// Three structurally different encodings are recognized: DICOM SEG
// (structured-label image object), DICOM RTSTRUCT (referenced
// region-contour object) and NRRD label maps whose filename encodes the
// target by convention. Each strategy independently produces the reference
// identifier of the targeted series and one labeled mask per encoded
// segment, aligned into the reference geometry.
package segmentation

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/mrsinham/dicomharvest/internal/dicomutil"
	"github.com/mrsinham/dicomharvest/internal/model"
	"github.com/mrsinham/dicomharvest/internal/organs"
	"github.com/mrsinham/dicomharvest/internal/volume"
)

// Format tags a detected segmentation encoding.
type Format string

const (
	FormatSEG      Format = "SEG"
	FormatRTStruct Format = "RTSTRUCT"
	FormatLabelMap Format = "LABELMAP"
)

var (
	// ErrUnknownFormat is returned when a candidate file matches none of
	// the recognized encodings.
	ErrUnknownFormat = errors.New("unrecognized segmentation format")

	// ErrNoReference is returned when a strategy cannot tie the source to
	// any loaded image series. The caller drops the segmentation and keeps
	// the images.
	ErrNoReference = errors.New("referenced series not found")
)

// source is what a strategy works on: the file plus, for DICOM encodings,
// its parsed header and the patient's loaded series.
type source struct {
	path   string
	header dicom.Dataset
	series []*model.ImageSeries
}

// strategyFunc extracts the reference UID and the raw segments of one
// source.
type strategyFunc func(r *Resolver, src source) (string, []model.Segment, error)

// Resolver dispatches segmentation sources to format strategies and
// aliases the resulting segments into the canonical organ vocabulary.
type Resolver struct {
	aliases    *organs.AliasTable
	logger     *slog.Logger
	strategies map[Format]strategyFunc
}

// NewResolver returns a Resolver using the given alias table. A nil table
// passes raw labels through unchanged.
func NewResolver(aliases *organs.AliasTable, logger *slog.Logger) *Resolver {
	return &Resolver{
		aliases: aliases,
		logger:  logger,
		strategies: map[Format]strategyFunc{
			FormatSEG:      (*Resolver).resolveSEG,
			FormatRTStruct: (*Resolver).resolveRTStruct,
			FormatLabelMap: (*Resolver).resolveLabelMap,
		},
	}
}

// Resolve determines the encoding of the source at path, extracts its
// segments, aliases their labels and aligns every mask with the referenced
// series' geometry. The referenced series must be among the given loaded
// series; otherwise ErrNoReference is returned and the caller records the
// failure without dropping the images.
func (r *Resolver) Resolve(path string, series []*model.ImageSeries) (*model.Segmentation, error) {
	src, format, err := r.detect(path, series)
	if err != nil {
		return nil, err
	}

	strategy := r.strategies[format]
	refUID, segments, err := strategy(r, src)
	if err != nil {
		return nil, err
	}

	reference := findSeries(series, refUID)
	if reference == nil {
		return nil, fmt.Errorf("%w: %s references %q", ErrNoReference, path, refUID)
	}

	masks, err := r.aliasSegments(path, segments, reference)
	if err != nil {
		return nil, err
	}

	return &model.Segmentation{
		ReferencedSeriesUID: refUID,
		Modality:            string(format),
		Masks:               masks,
	}, nil
}

// detect inspects the source against the recognized shapes. NRRD label
// maps are identified by suffix; DICOM sources by their modality.
func (r *Resolver) detect(path string, series []*model.ImageSeries) (source, Format, error) {
	src := source{path: path, series: series}

	if strings.HasSuffix(strings.ToLower(path), ".nrrd") {
		return src, FormatLabelMap, nil
	}

	header, err := dicomutil.ParseHeader(path)
	if err != nil {
		return source{}, "", fmt.Errorf("%w: %s: %v", ErrUnknownFormat, path, err)
	}
	src.header = header

	modality, _ := dicomutil.String(header, tag.Modality)
	switch modality {
	case "SEG":
		return src, FormatSEG, nil
	case "RTSTRUCT":
		return src, FormatRTStruct, nil
	}
	return source{}, "", fmt.Errorf("%w: %s has modality %q", ErrUnknownFormat, path, modality)
}

// aliasSegments renames raw labels to canonical organ names, dropping
// unmapped segments with a warning and OR-merging segments that alias to
// the same name. Masks whose dimensions differ from the reference are
// resampled into its geometry.
func (r *Resolver) aliasSegments(path string, segments []model.Segment, reference *model.ImageSeries) (map[string]*volume.Mask, error) {
	masks := make(map[string]*volume.Mask)
	for _, segment := range segments {
		canonical, ok := r.aliases.Resolve(segment.Label)
		if !ok {
			r.logger.Warn("dropping unmapped segment label",
				"path", path, "label", segment.Label)
			continue
		}

		mask := segment.Mask
		if mask.Dims != reference.Volume.Dims {
			mask = mask.ResampleTo(reference.Volume.Dims)
		}

		if existing, ok := masks[canonical]; ok {
			existing.Union(mask)
		} else {
			masks[canonical] = mask
		}
	}
	if len(masks) == 0 {
		return nil, fmt.Errorf("%s: no segment survived aliasing", path)
	}
	return masks, nil
}

func findSeries(series []*model.ImageSeries, uid string) *model.ImageSeries {
	for _, s := range series {
		if s.UID == uid {
			return s
		}
	}
	return nil
}

// matchSeriesByFilename implements the filename-convention reference
// lookup: the first loaded series UID found as a substring of the filename
// wins. Two series UIDs that are substrings of one another make this
// ambiguous; the contract is preserved as-is and candidates are tried in
// lexical UID order so runs are deterministic.
func matchSeriesByFilename(filename string, series []*model.ImageSeries) (string, bool) {
	uids := make([]string, 0, len(series))
	for _, s := range series {
		uids = append(uids, s.UID)
	}
	sort.Strings(uids)
	for _, uid := range uids {
		if uid != "" && strings.Contains(filename, uid) {
			return uid, true
		}
	}
	return "", false
}
