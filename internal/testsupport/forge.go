// Package testsupport forges the small DICOM and NRRD fixtures used by the
// package tests: image series with deterministic gradient pixels, SEG and
// RTSTRUCT objects wired to them, and label-map files.
package testsupport

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

const transferSyntaxLittleEndian = "1.2.840.10008.1.2.1"

func mustNewElement(t tag.Tag, value interface{}) *dicom.Element {
	elem, err := dicom.NewElement(t, value)
	if err != nil {
		panic(fmt.Sprintf("failed to create element %v: %v", t, err))
	}
	return elem
}

func writeDatasetToFile(tb testing.TB, filename string, ds dicom.Dataset) {
	tb.Helper()
	if err := createDatasetFile(filename, ds); err != nil {
		tb.Fatalf("write %s: %v", filename, err)
	}
}

func createDatasetFile(filename string, ds dicom.Dataset) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return dicom.Write(f, ds, dicom.SkipVRVerification())
}

// SeriesSpec describes one forged image series.
type SeriesSpec struct {
	PatientID   string
	SeriesUID   string
	Description string
	Modality    string

	Slices, Rows, Cols int

	// PixelSpacing and SliceGap default to 1.0.
	PixelSpacing float64
	SliceGap     float64
	Origin       [3]float64
}

func (s SeriesSpec) withDefaults() SeriesSpec {
	if s.Modality == "" {
		s.Modality = "CT"
	}
	if s.PixelSpacing == 0 {
		s.PixelSpacing = 1.0
	}
	if s.SliceGap == 0 {
		s.SliceGap = 1.0
	}
	return s
}

// GradientValue is the pixel written at (z, y, x) by WriteImageSeries.
// Tests assert decoded volumes against it.
func GradientValue(z, y, x int) uint16 {
	return uint16(z*100 + y*10 + x)
}

// WriteImageSeries forges one file per slice in dir and returns their
// paths in slice order.
func WriteImageSeries(tb testing.TB, dir string, spec SeriesSpec) []string {
	tb.Helper()
	paths, err := CreateImageSeries(dir, spec)
	if err != nil {
		tb.Fatalf("forge image series: %v", err)
	}
	return paths
}

// CreateImageSeries is the error-returning form of WriteImageSeries, for
// callers without a testing.TB (e.g. godog steps).
func CreateImageSeries(dir string, spec SeriesSpec) ([]string, error) {
	spec = spec.withDefaults()

	paths := make([]string, 0, spec.Slices)
	for z := 0; z < spec.Slices; z++ {
		nativeFrame := frame.NewNativeFrame[uint16](16, spec.Rows, spec.Cols, spec.Rows*spec.Cols, 1)
		for y := 0; y < spec.Rows; y++ {
			for x := 0; x < spec.Cols; x++ {
				nativeFrame.RawData[y*spec.Cols+x] = GradientValue(z, y, x)
			}
		}

		position := []string{
			fmt.Sprintf("%.6f", spec.Origin[0]),
			fmt.Sprintf("%.6f", spec.Origin[1]),
			fmt.Sprintf("%.6f", spec.Origin[2]+float64(z)*spec.SliceGap),
		}

		elements := []*dicom.Element{
			mustNewElement(tag.TransferSyntaxUID, []string{transferSyntaxLittleEndian}),
			mustNewElement(tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.2"}),
			mustNewElement(tag.SOPInstanceUID, []string{fmt.Sprintf("%s.%d", spec.SeriesUID, z+1)}),
			mustNewElement(tag.PatientID, []string{spec.PatientID}),
			mustNewElement(tag.SeriesInstanceUID, []string{spec.SeriesUID}),
			mustNewElement(tag.SeriesDescription, []string{spec.Description}),
			mustNewElement(tag.Modality, []string{spec.Modality}),
			mustNewElement(tag.InstanceNumber, []string{fmt.Sprintf("%d", z+1)}),
			mustNewElement(tag.ImagePositionPatient, position),
			mustNewElement(tag.ImageOrientationPatient, []string{
				"1.000000", "0.000000", "0.000000",
				"0.000000", "1.000000", "0.000000",
			}),
			mustNewElement(tag.PixelSpacing, []string{
				fmt.Sprintf("%.6f", spec.PixelSpacing),
				fmt.Sprintf("%.6f", spec.PixelSpacing),
			}),
			mustNewElement(tag.SliceThickness, []string{fmt.Sprintf("%.6f", spec.SliceGap)}),
			mustNewElement(tag.Rows, []int{spec.Rows}),
			mustNewElement(tag.Columns, []int{spec.Cols}),
			mustNewElement(tag.BitsAllocated, []int{16}),
			mustNewElement(tag.BitsStored, []int{16}),
			mustNewElement(tag.HighBit, []int{15}),
			mustNewElement(tag.PixelRepresentation, []int{0}),
			mustNewElement(tag.SamplesPerPixel, []int{1}),
			mustNewElement(tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
			mustNewElement(tag.PixelData, dicom.PixelDataInfo{
				Frames: []*frame.Frame{{Encapsulated: false, NativeData: nativeFrame}},
			}),
		}

		path := filepath.Join(dir, fmt.Sprintf("IMG%03d.dcm", z+1))
		if err := createDatasetFile(path, dicom.Dataset{Elements: elements}); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// SEGSegment is one forged segment: its label and the slice/pixel extent
// of its mask inside the reference series.
type SEGSegment struct {
	Label string

	// Slices lists the reference slice indices the segment covers; on
	// each covered slice every pixel inside Rect is set.
	Slices []int
	Rect   [4]int // y0, x0, y1, x1 inclusive
}

// WriteSEG forges a DICOM SEG object referencing the given series. One
// frame per covered slice, mapped through per-frame functional groups.
func WriteSEG(tb testing.TB, path string, ref SeriesSpec, segments []SEGSegment) {
	tb.Helper()
	ref = ref.withDefaults()

	var segmentItems [][]*dicom.Element
	for i, segment := range segments {
		segmentItems = append(segmentItems, []*dicom.Element{
			mustNewElement(tag.SegmentNumber, []int{i + 1}),
			mustNewElement(tag.SegmentLabel, []string{segment.Label}),
		})
	}

	var frames []*frame.Frame
	var perFrameItems [][]*dicom.Element
	for i, segment := range segments {
		for _, z := range segment.Slices {
			nativeFrame := frame.NewNativeFrame[uint8](8, ref.Rows, ref.Cols, ref.Rows*ref.Cols, 1)
			for y := segment.Rect[0]; y <= segment.Rect[2]; y++ {
				for x := segment.Rect[1]; x <= segment.Rect[3]; x++ {
					nativeFrame.RawData[y*ref.Cols+x] = 1
				}
			}
			frames = append(frames, &frame.Frame{Encapsulated: false, NativeData: nativeFrame})

			position := []string{
				fmt.Sprintf("%.6f", ref.Origin[0]),
				fmt.Sprintf("%.6f", ref.Origin[1]),
				fmt.Sprintf("%.6f", ref.Origin[2]+float64(z)*ref.SliceGap),
			}
			perFrameItems = append(perFrameItems, []*dicom.Element{
				mustNewElement(tag.SegmentIdentificationSequence, [][]*dicom.Element{{
					mustNewElement(tag.ReferencedSegmentNumber, []int{i + 1}),
				}}),
				mustNewElement(tag.PlanePositionSequence, [][]*dicom.Element{{
					mustNewElement(tag.ImagePositionPatient, position),
				}}),
			})
		}
	}

	elements := []*dicom.Element{
		mustNewElement(tag.TransferSyntaxUID, []string{transferSyntaxLittleEndian}),
		mustNewElement(tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.66.4"}),
		mustNewElement(tag.SOPInstanceUID, []string{ref.SeriesUID + ".seg"}),
		mustNewElement(tag.PatientID, []string{ref.PatientID}),
		mustNewElement(tag.SeriesInstanceUID, []string{ref.SeriesUID + ".segseries"}),
		mustNewElement(tag.Modality, []string{"SEG"}),
		mustNewElement(tag.Rows, []int{ref.Rows}),
		mustNewElement(tag.Columns, []int{ref.Cols}),
		mustNewElement(tag.NumberOfFrames, []string{fmt.Sprintf("%d", len(frames))}),
		mustNewElement(tag.BitsAllocated, []int{8}),
		mustNewElement(tag.BitsStored, []int{8}),
		mustNewElement(tag.HighBit, []int{7}),
		mustNewElement(tag.PixelRepresentation, []int{0}),
		mustNewElement(tag.SamplesPerPixel, []int{1}),
		mustNewElement(tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
		mustNewElement(tag.ReferencedSeriesSequence, [][]*dicom.Element{{
			mustNewElement(tag.SeriesInstanceUID, []string{ref.SeriesUID}),
		}}),
		mustNewElement(tag.SegmentSequence, segmentItems),
		mustNewElement(tag.PerFrameFunctionalGroupsSequence, perFrameItems),
		mustNewElement(tag.PixelData, dicom.PixelDataInfo{Frames: frames}),
	}

	writeDatasetToFile(tb, path, dicom.Dataset{Elements: elements})
}

// ROISpec is one forged RTSTRUCT region: its name and one rectangular
// contour per covered slice.
type ROISpec struct {
	Name   string
	Slices []int
	Rect   [4]int // y0, x0, y1, x1 inclusive, in voxel coordinates
}

// WriteRTStruct forges an RTSTRUCT object referencing the given series,
// with one closed rectangular contour per covered slice of each region.
func WriteRTStruct(tb testing.TB, path string, ref SeriesSpec, rois []ROISpec) {
	tb.Helper()
	ref = ref.withDefaults()

	var structureItems [][]*dicom.Element
	var contourItems [][]*dicom.Element
	for i, roi := range rois {
		structureItems = append(structureItems, []*dicom.Element{
			mustNewElement(tag.ROINumber, []string{fmt.Sprintf("%d", i+1)}),
			mustNewElement(tag.ROIName, []string{roi.Name}),
		})

		var contours [][]*dicom.Element
		for _, z := range roi.Slices {
			contours = append(contours, []*dicom.Element{
				mustNewElement(tag.ContourData, rectContourData(ref, z, roi.Rect)),
			})
		}
		contourItems = append(contourItems, []*dicom.Element{
			mustNewElement(tag.ReferencedROINumber, []string{fmt.Sprintf("%d", i+1)}),
			mustNewElement(tag.ContourSequence, contours),
		})
	}

	elements := []*dicom.Element{
		mustNewElement(tag.TransferSyntaxUID, []string{transferSyntaxLittleEndian}),
		mustNewElement(tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.481.3"}),
		mustNewElement(tag.SOPInstanceUID, []string{ref.SeriesUID + ".rtstruct"}),
		mustNewElement(tag.PatientID, []string{ref.PatientID}),
		mustNewElement(tag.SeriesInstanceUID, []string{ref.SeriesUID + ".rtseries"}),
		mustNewElement(tag.Modality, []string{"RTSTRUCT"}),
		mustNewElement(tag.ReferencedFrameOfReferenceSequence, [][]*dicom.Element{{
			mustNewElement(tag.RTReferencedStudySequence, [][]*dicom.Element{{
				mustNewElement(tag.RTReferencedSeriesSequence, [][]*dicom.Element{{
					mustNewElement(tag.SeriesInstanceUID, []string{ref.SeriesUID}),
				}}),
			}}),
		}}),
		mustNewElement(tag.StructureSetROISequence, structureItems),
		mustNewElement(tag.ROIContourSequence, contourItems),
	}

	writeDatasetToFile(tb, path, dicom.Dataset{Elements: elements})
}

// rectContourData builds the patient-space corner triplets of a closed
// rectangle on slice z.
func rectContourData(ref SeriesSpec, z int, rect [4]int) []string {
	pz := ref.Origin[2] + float64(z)*ref.SliceGap
	corners := [][2]int{
		{rect[0], rect[1]},
		{rect[0], rect[3]},
		{rect[2], rect[3]},
		{rect[2], rect[1]},
	}

	var data []string
	for _, c := range corners {
		px := ref.Origin[0] + float64(c[1])*ref.PixelSpacing
		py := ref.Origin[1] + float64(c[0])*ref.PixelSpacing
		data = append(data,
			fmt.Sprintf("%.6f", px),
			fmt.Sprintf("%.6f", py),
			fmt.Sprintf("%.6f", pz),
		)
	}
	return data
}

// NRRDSpec describes one forged label-map file.
type NRRDSpec struct {
	// Dims is Z, Y, X; Values is the flat voxel block in that layout.
	Dims   [3]int
	Values []uint8

	// Labels maps voxel values to segment names, written as
	// Segment<N>_Name / Segment<N>_LabelValue pairs.
	Labels map[int]string

	Gzip bool
}

// WriteNRRD forges an NRRD label-map file.
func WriteNRRD(tb testing.TB, path string, spec NRRDSpec) {
	tb.Helper()

	var buf bytes.Buffer
	buf.WriteString("NRRD0004\n")
	buf.WriteString("type: uint8\n")
	buf.WriteString("dimension: 3\n")
	fmt.Fprintf(&buf, "sizes: %d %d %d\n", spec.Dims[2], spec.Dims[1], spec.Dims[0])
	if spec.Gzip {
		buf.WriteString("encoding: gzip\n")
	} else {
		buf.WriteString("encoding: raw\n")
	}

	index := 0
	for value, name := range spec.Labels {
		fmt.Fprintf(&buf, "Segment%d_Name:=%s\n", index, name)
		fmt.Fprintf(&buf, "Segment%d_LabelValue:=%d\n", index, value)
		index++
	}
	buf.WriteString("\n")

	if spec.Gzip {
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(spec.Values); err != nil {
			tb.Fatalf("compress voxel block: %v", err)
		}
		if err := gz.Close(); err != nil {
			tb.Fatalf("close gzip writer: %v", err)
		}
	} else {
		buf.Write(spec.Values)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}
}
