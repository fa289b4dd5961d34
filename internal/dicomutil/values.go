// Package dicomutil wraps the element access patterns used across the
// pipeline: tolerant header parsing and typed value extraction from
// suyashkumar/dicom datasets.
package dicomutil

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ParseHeader parses a DICOM file element-by-element with pixel data
// skipped, tolerating errors in individual elements (e.g. malformed VR
// lengths). It collects all successfully parsed elements and returns them
// as a dataset.
func ParseHeader(path string) (dicom.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return dicom.Dataset{}, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return dicom.Dataset{}, err
	}

	p, err := dicom.NewParser(f, info.Size(), nil, dicom.SkipPixelData())
	if err != nil {
		return dicom.Dataset{}, err
	}

	var elements []*dicom.Element
	for {
		elem, err := p.Next()
		if err != nil {
			// Stop on any error - we've collected what we can
			break
		}
		elements = append(elements, elem)
	}

	if len(elements) == 0 {
		return dicom.Dataset{}, fmt.Errorf("no elements parsed")
	}

	ds := dicom.Dataset{Elements: elements}
	meta := p.GetMetadata()
	ds.Elements = append(meta.Elements, ds.Elements...)

	return ds, nil
}

// String extracts the first string value of the given tag, trimmed.
func String(ds dicom.Dataset, t tag.Tag) (string, bool) {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil {
		return "", false
	}
	if values, ok := elem.Value.GetValue().([]string); ok && len(values) > 0 {
		return strings.TrimSpace(values[0]), true
	}
	return strings.Trim(elem.Value.String(), " []"), true
}

// Int extracts the first integer value of the given tag. Integer-string
// VRs (IS) are parsed.
func Int(ds dicom.Dataset, t tag.Tag) (int, bool) {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil {
		return 0, false
	}
	switch values := elem.Value.GetValue().(type) {
	case []int:
		if len(values) > 0 {
			return values[0], true
		}
	case []string:
		if len(values) > 0 {
			if n, err := strconv.Atoi(strings.TrimSpace(values[0])); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// Floats extracts all decimal values of the given tag. Decimal-string VRs
// (DS) are parsed element-wise.
func Floats(ds dicom.Dataset, t tag.Tag) ([]float64, bool) {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil {
		return nil, false
	}
	switch values := elem.Value.GetValue().(type) {
	case []float64:
		return values, len(values) > 0
	case []string:
		out := make([]float64, 0, len(values))
		for _, s := range values {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, false
			}
			out = append(out, f)
		}
		return out, len(out) > 0
	}
	return nil, false
}

// SequenceItems returns the element lists of each item of a sequence
// element.
func SequenceItems(elem *dicom.Element) [][]*dicom.Element {
	if elem == nil {
		return nil
	}
	items, ok := elem.Value.GetValue().([]*dicom.SequenceItemValue)
	if !ok {
		return nil
	}
	out := make([][]*dicom.Element, 0, len(items))
	for _, item := range items {
		if elems, ok := item.GetValue().([]*dicom.Element); ok {
			out = append(out, elems)
		}
	}
	return out
}

// FindInItem looks up a tag inside one sequence item's element list.
func FindInItem(elems []*dicom.Element, t tag.Tag) *dicom.Element {
	for _, elem := range elems {
		if elem.Tag == t {
			return elem
		}
	}
	return nil
}

// ItemString extracts the first string value of a tag inside a sequence
// item.
func ItemString(elems []*dicom.Element, t tag.Tag) (string, bool) {
	elem := FindInItem(elems, t)
	if elem == nil {
		return "", false
	}
	if values, ok := elem.Value.GetValue().([]string); ok && len(values) > 0 {
		return strings.TrimSpace(values[0]), true
	}
	return "", false
}

// ItemInt extracts the first integer value of a tag inside a sequence item.
func ItemInt(elems []*dicom.Element, t tag.Tag) (int, bool) {
	elem := FindInItem(elems, t)
	if elem == nil {
		return 0, false
	}
	switch values := elem.Value.GetValue().(type) {
	case []int:
		if len(values) > 0 {
			return values[0], true
		}
	case []string:
		if len(values) > 0 {
			if n, err := strconv.Atoi(strings.TrimSpace(values[0])); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// ItemFloats extracts all decimal values of a tag inside a sequence item.
func ItemFloats(elems []*dicom.Element, t tag.Tag) ([]float64, bool) {
	elem := FindInItem(elems, t)
	if elem == nil {
		return nil, false
	}
	switch values := elem.Value.GetValue().(type) {
	case []float64:
		return values, len(values) > 0
	case []string:
		out := make([]float64, 0, len(values))
		for _, s := range values {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, false
			}
			out = append(out, f)
		}
		return out, len(out) > 0
	}
	return nil, false
}
