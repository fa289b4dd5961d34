package dicomutil

import (
	"fmt"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// DecodeFrames parses one file with pixel data and returns the integer
// values of each native frame in order.
func DecodeFrames(path string) ([][]int, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, err
	}
	return DatasetFrames(ds)
}

// DatasetFrames extracts the native frames of an already-parsed dataset.
func DatasetFrames(ds dicom.Dataset) ([][]int, error) {
	elem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("no PixelData: %w", err)
	}

	info := dicom.MustGetPixelDataInfo(elem.Value)
	frames := make([][]int, 0, len(info.Frames))
	for _, fr := range info.Frames {
		values, err := nativeValues(fr)
		if err != nil {
			return nil, err
		}
		frames = append(frames, values)
	}
	return frames, nil
}

// nativeValues flattens a native frame to plain ints regardless of its
// sample width.
func nativeValues(fr *frame.Frame) ([]int, error) {
	if fr.Encapsulated {
		return nil, fmt.Errorf("encapsulated transfer syntaxes are not supported")
	}

	switch nf := fr.NativeData.(type) {
	case *frame.NativeFrame[uint8]:
		return widen(nf.RawData), nil
	case *frame.NativeFrame[uint16]:
		return widen(nf.RawData), nil
	case *frame.NativeFrame[uint32]:
		return widen(nf.RawData), nil
	default:
		return nil, fmt.Errorf("unsupported native frame type %T", fr.NativeData)
	}
}

func widen[T uint8 | uint16 | uint32](raw []T) []int {
	out := make([]int, len(raw))
	for i, v := range raw {
		out[i] = int(v)
	}
	return out
}
