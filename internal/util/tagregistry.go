// Package util provides the attribute registry used to select which DICOM
// header fields are copied onto each series group of the database.
package util

import (
	"fmt"
	"sort"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// TagInfo describes one selectable attribute: its canonical keyword and the
// DICOM tag it is read from.
type TagInfo struct {
	Name string
	Tag  tag.Tag
}

// tagRegistry maps lowercase keywords to their TagInfo. Only header fields
// that make sense as per-series database attributes are listed.
var tagRegistry = map[string]TagInfo{
	"patientname":      {Name: "PatientName", Tag: tag.PatientName},
	"patientid":        {Name: "PatientID", Tag: tag.PatientID},
	"patientbirthdate": {Name: "PatientBirthDate", Tag: tag.PatientBirthDate},
	"patientsex":       {Name: "PatientSex", Tag: tag.PatientSex},

	"studydescription": {Name: "StudyDescription", Tag: tag.StudyDescription},
	"studydate":        {Name: "StudyDate", Tag: tag.StudyDate},
	"institutionname":  {Name: "InstitutionName", Tag: tag.InstitutionName},
	"accessionnumber":  {Name: "AccessionNumber", Tag: tag.AccessionNumber},

	"modality":              {Name: "Modality", Tag: tag.Modality},
	"seriesdescription":     {Name: "SeriesDescription", Tag: tag.SeriesDescription},
	"seriesinstanceuid":     {Name: "SeriesInstanceUID", Tag: tag.SeriesInstanceUID},
	"seriesdate":            {Name: "SeriesDate", Tag: tag.SeriesDate},
	"protocolname":          {Name: "ProtocolName", Tag: tag.ProtocolName},
	"bodypartexamined":      {Name: "BodyPartExamined", Tag: tag.BodyPartExamined},
	"sequencename":          {Name: "SequenceName", Tag: tag.SequenceName},
	"manufacturer":          {Name: "Manufacturer", Tag: tag.Manufacturer},
	"manufacturermodelname": {Name: "ManufacturerModelName", Tag: tag.ManufacturerModelName},

	"slicethickness": {Name: "SliceThickness", Tag: tag.SliceThickness},
	"windowcenter":   {Name: "WindowCenter", Tag: tag.WindowCenter},
	"windowwidth":    {Name: "WindowWidth", Tag: tag.WindowWidth},
}

// AllTags returns every registered attribute, for callers that capture the
// full metadata set up front. The result is ordered by keyword: attribute
// order decides HDF5 attribute creation order, so it must be identical
// across runs.
func AllTags() []TagInfo {
	infos := make([]TagInfo, 0, len(tagRegistry))
	for _, info := range tagRegistry {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// GetTagByName returns TagInfo for a given attribute keyword.
// The lookup is case-insensitive. If the keyword is not found, an error is
// returned with a suggestion for the closest matching keyword (using
// Levenshtein distance).
func GetTagByName(name string) (TagInfo, error) {
	normalizedName := strings.ToLower(strings.TrimSpace(name))

	if info, ok := tagRegistry[normalizedName]; ok {
		return info, nil
	}

	suggestion := findClosestTagName(normalizedName)
	if suggestion != "" {
		return TagInfo{}, fmt.Errorf("unknown attribute %q, did you mean %q?", name, suggestion)
	}

	return TagInfo{}, fmt.Errorf("unknown attribute %q", name)
}

// ParseAttributeNames resolves a list of attribute keywords, rejecting the
// whole selection on the first unknown name.
func ParseAttributeNames(names []string) ([]TagInfo, error) {
	infos := make([]TagInfo, 0, len(names))
	for _, name := range names {
		info, err := GetTagByName(name)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// findClosestTagName finds the closest matching keyword using Levenshtein
// distance. Returns empty string if no close match is found (distance > 5).
func findClosestTagName(input string) string {
	const maxDistance = 5
	bestDistance := maxDistance + 1
	var bestMatch string

	for key, info := range tagRegistry {
		distance := levenshteinDistance(input, key)
		if distance < bestDistance {
			bestDistance = distance
			bestMatch = info.Name
		}
	}

	if bestDistance <= maxDistance {
		return bestMatch
	}
	return ""
}

// levenshteinDistance calculates the Levenshtein distance between two strings.
// This is the minimum number of single-character edits (insertions, deletions,
// or substitutions) required to change one string into the other.
func levenshteinDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	matrix := make([][]int, len(a)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(b)+1)
	}

	for i := 0; i <= len(a); i++ {
		matrix[i][0] = i
	}
	for j := 0; j <= len(b); j++ {
		matrix[0][j] = j
	}

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			cost := 0
			if a[i-1] != b[j-1] {
				cost = 1
			}

			matrix[i][j] = min(
				matrix[i-1][j]+1,      // deletion
				matrix[i][j-1]+1,      // insertion
				matrix[i-1][j-1]+cost, // substitution
			)
		}
	}

	return matrix[len(a)][len(b)]
}
