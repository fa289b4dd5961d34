// Package extract drives the per-patient assembly pipeline: locate, group,
// match, resolve, transform, yield.
//
// The Extractor is a pull-based sequence. One patient is resident at a
// time; the caller asks for the next record and decides when to stop.
// Everything that goes wrong inside one patient is recovered, recorded and
// skipped, the sequence never dies on patient data.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mrsinham/dicomharvest/internal/locate"
	"github.com/mrsinham/dicomharvest/internal/match"
	"github.com/mrsinham/dicomharvest/internal/model"
	"github.com/mrsinham/dicomharvest/internal/segmentation"
	"github.com/mrsinham/dicomharvest/internal/series"
	"github.com/mrsinham/dicomharvest/internal/transform"
)

// Done is returned by Next once every patient has been visited.
var Done = errors.New("no more patients")

// Confirmer is consulted when a criterion matched none of a patient's
// series. It may pick one of the available descriptions to extend the
// criterion with; returning false leaves the miss in place. The CLI plugs
// an interactive form here, batch runs pass nil.
type Confirmer interface {
	Confirm(criterion string, available []string) (string, bool)
}

// Config assembles an Extractor's collaborators.
type Config struct {
	Locator  *locate.Locator
	Grouper  *series.Grouper
	Resolver *segmentation.Resolver
	Criteria *match.Criteria

	// Confirmer may be nil.
	Confirmer Confirmer

	// Transforms are applied in order to every record before it is
	// yielded.
	Transforms []transform.Transform

	Logger *slog.Logger
}

// Extractor walks the located patients and assembles one PatientRecord per
// call to Next.
type Extractor struct {
	cfg       Config
	locations []locate.PatientLocation
	index     int
	failures  []model.FailureRecord
}

// New discovers the patients up front and returns an Extractor over them.
func New(cfg Config) (*Extractor, error) {
	locations, err := cfg.Locator.Locate()
	if err != nil {
		return nil, fmt.Errorf("locate patients: %w", err)
	}
	return &Extractor{cfg: cfg, locations: locations}, nil
}

// Remaining reports how many patients have not been visited yet.
func (e *Extractor) Remaining() int {
	return len(e.locations) - e.index
}

// Next assembles and returns the next patient record. Patients whose data
// cannot be assembled are recorded as failures and skipped; Done is
// returned once the sequence is exhausted.
func (e *Extractor) Next(ctx context.Context) (*model.PatientRecord, error) {
	for e.index < len(e.locations) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		loc := e.locations[e.index]
		e.index++

		record := e.processPatient(loc)
		if record != nil {
			return record, nil
		}
	}
	return nil, Done
}

// Failures returns the conditions recovered so far, in encounter order.
func (e *Extractor) Failures() []model.FailureRecord {
	return append([]model.FailureRecord(nil), e.failures...)
}

func (e *Extractor) fail(f model.FailureRecord) {
	e.cfg.Logger.Warn("patient data dropped",
		"patient", f.PatientID, "reason", string(f.Reason), "detail", f.Detail)
	e.failures = append(e.failures, f)
}

// processPatient runs the full pipeline for one patient. A nil return
// means nothing usable came out; the reason has been recorded. Panics out
// of readers or transforms are converted to failures.
func (e *Extractor) processPatient(loc locate.PatientLocation) (record *model.PatientRecord) {
	defer func() {
		if r := recover(); r != nil {
			e.fail(model.FailureRecord{
				PatientID: loc.DirName,
				Reason:    model.ReasonUnreadableSource,
				Detail:    fmt.Sprintf("panic: %v", r),
			})
			record = nil
		}
	}()

	seriesList, segFiles, patientID, failures := e.cfg.Grouper.Group(loc.ImageFiles)
	if patientID == "" {
		patientID = loc.DirName
	}
	for _, f := range failures {
		if f.PatientID == "" {
			f.PatientID = patientID
		}
		e.fail(f)
	}

	entries := e.matchSeries(patientID, seriesList)
	if len(entries) == 0 {
		e.fail(model.FailureRecord{
			PatientID: patientID,
			Reason:    model.ReasonNoMatchingImages,
		})
		return nil
	}

	segFiles = append(segFiles, loc.SegmentationFiles...)
	e.resolveSegmentations(patientID, segFiles, seriesList, entries)

	record = &model.PatientRecord{PatientID: patientID, Entries: entries}
	if err := e.applyTransforms(record); err != nil {
		e.fail(model.FailureRecord{
			PatientID: patientID,
			Reason:    model.ReasonTransformFailed,
			Detail:    err.Error(),
		})
		return nil
	}
	return record
}

// matchSeries pairs series with criteria. With no criteria configured
// every series is accepted under its own description. A criterion left
// without a match is offered to the Confirmer once, whose pick extends the
// dictionary before a re-match.
func (e *Extractor) matchSeries(patientID string, seriesList []*model.ImageSeries) []model.RecordEntry {
	if e.cfg.Criteria.Empty() {
		entries := make([]model.RecordEntry, 0, len(seriesList))
		for _, s := range seriesList {
			entries = append(entries, model.RecordEntry{
				CriterionName: s.Description,
				Series:        s,
			})
		}
		return entries
	}

	matched := e.matchOnce(seriesList)

	if e.cfg.Confirmer != nil {
		extended := false
		for _, name := range e.cfg.Criteria.Names() {
			if _, ok := matched[name]; ok {
				continue
			}
			description, ok := e.cfg.Confirmer.Confirm(name, availableDescriptions(seriesList))
			if !ok {
				continue
			}
			if err := e.cfg.Criteria.Extend(name, description); err != nil {
				e.cfg.Logger.Warn("criterion extension rejected",
					"patient", patientID, "criterion", name, "error", err)
				continue
			}
			extended = true
		}
		if extended {
			matched = e.matchOnce(seriesList)
		}
	}

	var entries []model.RecordEntry
	for _, name := range e.cfg.Criteria.Names() {
		if s, ok := matched[name]; ok {
			entries = append(entries, model.RecordEntry{CriterionName: name, Series: s})
		}
	}
	return entries
}

// matchOnce maps criterion names to the first accepted series, in series
// order.
func (e *Extractor) matchOnce(seriesList []*model.ImageSeries) map[string]*model.ImageSeries {
	matched := make(map[string]*model.ImageSeries)
	for _, s := range seriesList {
		name, ok := e.cfg.Criteria.Match(s.Description)
		if !ok {
			continue
		}
		if _, taken := matched[name]; !taken {
			matched[name] = s
		}
	}
	return matched
}

func availableDescriptions(seriesList []*model.ImageSeries) []string {
	seen := make(map[string]bool)
	var descriptions []string
	for _, s := range seriesList {
		if s.Description != "" && !seen[s.Description] {
			seen[s.Description] = true
			descriptions = append(descriptions, s.Description)
		}
	}
	sort.Strings(descriptions)
	return descriptions
}

// resolveSegmentations attaches each resolvable segmentation to the entry
// whose series it references. A series keeps at most one segmentation,
// later resolutions merge into the first.
func (e *Extractor) resolveSegmentations(patientID string, segFiles []string, seriesList []*model.ImageSeries, entries []model.RecordEntry) {
	for _, path := range segFiles {
		seg, err := e.cfg.Resolver.Resolve(path, seriesList)
		if err != nil {
			e.fail(model.FailureRecord{
				PatientID: patientID,
				Reason:    segmentationFailureReason(err),
				Detail:    err.Error(),
			})
			continue
		}

		attached := false
		for i := range entries {
			if entries[i].Series.UID != seg.ReferencedSeriesUID {
				continue
			}
			if entries[i].Segmentation == nil {
				entries[i].Segmentation = seg
			} else {
				entries[i].Segmentation.Merge(seg)
			}
			attached = true
			break
		}
		if !attached {
			// Reference resolved to a series no criterion accepted.
			e.fail(model.FailureRecord{
				PatientID: patientID,
				Reason:    model.ReasonUnresolvedReference,
				Detail:    fmt.Sprintf("%s references unmatched series %s", path, seg.ReferencedSeriesUID),
			})
		}
	}
}

func segmentationFailureReason(err error) model.FailureReason {
	switch {
	case errors.Is(err, segmentation.ErrNoReference):
		return model.ReasonUnresolvedReference
	case errors.Is(err, segmentation.ErrUnknownFormat):
		return model.ReasonUnsupportedFormat
	}
	return model.ReasonUnreadableSource
}

// applyTransforms runs the configured transform chain over the record's
// volumes and masks, writing the results back in place.
func (e *Extractor) applyTransforms(record *model.PatientRecord) error {
	if len(e.cfg.Transforms) == 0 {
		return nil
	}

	data := transform.NewData()
	for _, entry := range record.Entries {
		data.Images[entry.CriterionName] = entry.Series.Volume
		if entry.Segmentation == nil {
			continue
		}
		for organ, mask := range entry.Segmentation.Masks {
			data.Masks[transform.MaskKey(entry.CriterionName, organ)] = mask
		}
	}

	if err := transform.Compose(e.cfg.Transforms...).Apply(data); err != nil {
		return err
	}

	for _, entry := range record.Entries {
		if img, ok := data.Images[entry.CriterionName]; ok {
			entry.Series.Volume = img
		}
		if entry.Segmentation == nil {
			continue
		}
		for organ := range entry.Segmentation.Masks {
			if mask, ok := data.Masks[transform.MaskKey(entry.CriterionName, organ)]; ok {
				entry.Segmentation.Masks[organ] = mask
			}
		}
	}
	return nil
}
