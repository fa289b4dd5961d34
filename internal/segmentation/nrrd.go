package segmentation

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/mrsinham/dicomharvest/internal/model"
	"github.com/mrsinham/dicomharvest/internal/volume"
)

// nrrdHeader is the parsed header of a label-map file: the fields needed to
// decode the voxel block plus the per-segment key-value metadata written by
// segmentation tools.
type nrrdHeader struct {
	sizes    []int
	voxType  string
	encoding string
	bigEnd   bool

	// labels maps stored voxel values to segment names, from
	// Segment<N>_Name / Segment<N>_LabelValue key-value pairs.
	labels map[int]string
}

// resolveLabelMap extracts the segments of an NRRD label map. The target
// series is identified by convention: the filename contains the referenced
// SeriesInstanceUID as a substring. Voxel values become segments, named
// through the embedded segment metadata when present.
func (r *Resolver) resolveLabelMap(src source) (string, []model.Segment, error) {
	refUID, ok := matchSeriesByFilename(filepath.Base(src.path), src.series)
	if !ok {
		return "", nil, fmt.Errorf("%w: filename %s names no loaded series",
			ErrNoReference, filepath.Base(src.path))
	}

	f, err := os.Open(src.path)
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = f.Close() }()

	reader := bufio.NewReader(f)
	header, err := parseNRRDHeader(reader)
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", src.path, err)
	}

	values, err := readNRRDData(reader, header)
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", src.path, err)
	}

	// Sizes are fastest axis first: X, Y, Z.
	dims := [3]int{header.sizes[2], header.sizes[1], header.sizes[0]}

	segments := splitLabels(values, dims, header.labels)
	if len(segments) == 0 {
		return "", nil, fmt.Errorf("%s: label map contains no nonzero voxels", src.path)
	}
	return refUID, segments, nil
}

// parseNRRDHeader reads the textual header up to the blank line separating
// it from the voxel block.
func parseNRRDHeader(reader *bufio.Reader) (*nrrdHeader, error) {
	magic, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if !strings.HasPrefix(magic, "NRRD000") {
		return nil, fmt.Errorf("not an NRRD file")
	}

	header := &nrrdHeader{encoding: "raw", labels: make(map[int]string)}
	segmentNames := make(map[int]string)
	segmentValues := make(map[int]int)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("truncated header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "#") {
			continue
		}

		if key, value, ok := strings.Cut(line, ":="); ok {
			parseSegmentPair(strings.TrimSpace(key), strings.TrimSpace(value), segmentNames, segmentValues)
			continue
		}

		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "sizes":
			for _, field := range strings.Fields(value) {
				n, err := strconv.Atoi(field)
				if err != nil {
					return nil, fmt.Errorf("bad sizes field %q", field)
				}
				header.sizes = append(header.sizes, n)
			}
		case "type":
			header.voxType = value
		case "encoding":
			header.encoding = value
		case "endian":
			header.bigEnd = value == "big"
		case "dimension":
			if n, err := strconv.Atoi(value); err == nil && n != 3 {
				return nil, fmt.Errorf("unsupported dimension %d", n)
			}
		}
	}

	if len(header.sizes) != 3 {
		return nil, fmt.Errorf("expected 3 sizes, got %d", len(header.sizes))
	}
	for index, name := range segmentNames {
		if value, ok := segmentValues[index]; ok {
			header.labels[value] = name
		}
	}
	return header, nil
}

// parseSegmentPair collects Segment<N>_Name and Segment<N>_LabelValue
// key-value pairs, keyed by segment index.
func parseSegmentPair(key, value string, names map[int]string, labelValues map[int]int) {
	rest, ok := strings.CutPrefix(key, "Segment")
	if !ok {
		return
	}
	indexText, field, ok := strings.Cut(rest, "_")
	if !ok {
		return
	}
	index, err := strconv.Atoi(indexText)
	if err != nil {
		return
	}

	switch field {
	case "Name":
		names[index] = value
	case "LabelValue":
		if n, err := strconv.Atoi(value); err == nil {
			labelValues[index] = n
		}
	}
}

// readNRRDData decodes the voxel block into plain ints, fastest axis first.
func readNRRDData(reader io.Reader, header *nrrdHeader) ([]int, error) {
	switch header.encoding {
	case "raw":
	case "gzip", "gz":
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("open gzip block: %w", err)
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	default:
		return nil, fmt.Errorf("unsupported encoding %q", header.encoding)
	}

	width, err := sampleWidth(header.voxType)
	if err != nil {
		return nil, err
	}

	count := header.sizes[0] * header.sizes[1] * header.sizes[2]
	raw := make([]byte, count*width)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return nil, fmt.Errorf("read voxel block: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if header.bigEnd {
		order = binary.BigEndian
	}

	values := make([]int, count)
	for i := 0; i < count; i++ {
		chunk := raw[i*width : (i+1)*width]
		switch width {
		case 1:
			values[i] = int(chunk[0])
			if strings.HasPrefix(header.voxType, "int") && chunk[0] >= 0x80 {
				values[i] = int(int8(chunk[0]))
			}
		case 2:
			v := order.Uint16(chunk)
			if strings.HasPrefix(header.voxType, "int") {
				values[i] = int(int16(v))
			} else {
				values[i] = int(v)
			}
		case 4:
			v := order.Uint32(chunk)
			if strings.HasPrefix(header.voxType, "int") {
				values[i] = int(int32(v))
			} else {
				values[i] = int(v)
			}
		}
	}
	return values, nil
}

// sampleWidth maps the NRRD type field to a byte width. Synonyms from the
// format's type table are accepted.
func sampleWidth(voxType string) (int, error) {
	switch voxType {
	case "int8", "uint8", "signed char", "unsigned char", "uchar":
		return 1, nil
	case "int16", "uint16", "short", "unsigned short", "ushort":
		return 2, nil
	case "int32", "uint32", "int", "unsigned int", "uint":
		return 4, nil
	}
	return 0, fmt.Errorf("unsupported voxel type %q", voxType)
}

// splitLabels turns the flat voxel values into one binary mask per distinct
// nonzero value, ordered by value so runs are deterministic.
func splitLabels(values []int, dims [3]int, labels map[int]string) []model.Segment {
	masks := make(map[int]*volume.Mask)
	for i, v := range values {
		if v == 0 {
			continue
		}
		mask, ok := masks[v]
		if !ok {
			mask = volume.NewMask(dims)
			masks[v] = mask
		}
		mask.Data[i] = 1
	}

	labelValues := make([]int, 0, len(masks))
	for v := range masks {
		labelValues = append(labelValues, v)
	}
	sort.Ints(labelValues)

	segments := make([]model.Segment, 0, len(labelValues))
	for _, v := range labelValues {
		name, ok := labels[v]
		if !ok {
			name = fmt.Sprintf("Label_%d", v)
		}
		segments = append(segments, model.Segment{Label: name, Mask: masks[v]})
	}
	return segments
}
