package transform

import (
	"errors"
	"testing"

	"github.com/mrsinham/dicomharvest/internal/volume"
)

func imageOf(dims [3]int, values ...float32) *volume.Volume {
	v := volume.New(dims)
	copy(v.Data, values)
	return v
}

func TestClip(t *testing.T) {
	data := NewData()
	data.Images["CT"] = imageOf([3]int{1, 1, 4}, -100, 0, 50, 300)

	if err := (Clip{Min: 0, Max: 100}).Apply(data); err != nil {
		t.Fatalf("Clip: %v", err)
	}

	want := []float32{0, 0, 50, 100}
	for i, v := range data.Images["CT"].Data {
		if v != want[i] {
			t.Errorf("voxel %d = %v, want %v", i, v, want[i])
		}
	}
}

func TestClipInvertedBounds(t *testing.T) {
	if err := (Clip{Min: 10, Max: 0}).Apply(NewData()); err == nil {
		t.Error("expected error for inverted bounds")
	}
}

func TestRescale(t *testing.T) {
	tests := []struct {
		name   string
		input  []float32
		want   []float32
	}{
		{"full range", []float32{0, 50, 100}, []float32{0, 0.5, 1}},
		{"shifted range", []float32{-100, 100}, []float32{0, 1}},
		{"constant image", []float32{7, 7, 7}, []float32{0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := NewData()
			data.Images["CT"] = imageOf([3]int{1, 1, len(tt.input)}, tt.input...)

			if err := (Rescale{Min: 0, Max: 1}).Apply(data); err != nil {
				t.Fatalf("Rescale: %v", err)
			}
			for i, v := range data.Images["CT"].Data {
				if v != tt.want[i] {
					t.Errorf("voxel %d = %v, want %v", i, v, tt.want[i])
				}
			}
		})
	}
}

func TestMatchResample(t *testing.T) {
	data := NewData()
	data.Images["CT"] = volume.New([3]int{2, 8, 8})
	data.Images["T2"] = volume.New([3]int{2, 4, 4})
	mask := volume.NewMask([3]int{2, 4, 4})
	mask.Set(0, 1, 1, 1)
	data.Masks[MaskKey("T2", "prostate")] = mask

	if err := (MatchResample{Reference: "CT"}).Apply(data); err != nil {
		t.Fatalf("MatchResample: %v", err)
	}

	if data.Images["T2"].Dims != [3]int{2, 8, 8} {
		t.Errorf("T2 dims = %v, want [2 8 8]", data.Images["T2"].Dims)
	}
	resampled := data.Masks[MaskKey("T2", "prostate")]
	if resampled.Dims != [3]int{2, 8, 8} {
		t.Errorf("mask dims = %v, want [2 8 8]", resampled.Dims)
	}
	if resampled.VoxelCount() == 0 {
		t.Error("resampled mask lost its voxels")
	}
}

func TestMatchResampleMissingReference(t *testing.T) {
	data := NewData()
	data.Images["CT"] = volume.New([3]int{1, 2, 2})

	if err := (MatchResample{Reference: "PET"}).Apply(data); err == nil {
		t.Error("expected error for unknown reference")
	}
}

func TestCompose(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	counting := Func(func(*Data) error { calls++; return nil })
	failing := Func(func(*Data) error { return boom })

	err := Compose(counting, failing, counting).Apply(NewData())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if calls != 1 {
		t.Errorf("transforms after the failure ran: calls = %d", calls)
	}
}
