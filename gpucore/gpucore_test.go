package gpucore

import (
	"encoding/binary"
	"math"
	"strings"
	"testing"
)

func TestWeightsParamsLayout(t *testing.T) {
	p := WeightsParams{
		XOffs:     [4]int32{-1, 0, 1, 2},
		YOffs:     [4]int32{-3, -3, -3, -3},
		Width:     [4]uint32{64, 32, 32, 0},
		PatchSize: [4]int32{3, 2, 2, 0},
		Strength:  [4]float32{-6.5025, -1.6, -1.6, -0.1},
		IntStride: 256,
	}
	b := p.Bytes()
	if len(b) != WeightsParamsSize {
		t.Fatalf("len = %d, want %d", len(b), WeightsParamsSize)
	}
	if got := int32(binary.LittleEndian.Uint32(b[0:])); got != -1 {
		t.Errorf("xoffs[0] = %d, want -1", got)
	}
	if got := binary.LittleEndian.Uint32(b[32:]); got != 64 {
		t.Errorf("width[0] at byte 32 = %d, want 64", got)
	}
	if got := math.Float32frombits(binary.LittleEndian.Uint32(b[96+12:])); got != -0.1 {
		t.Errorf("strength[3] = %v, want -0.1", got)
	}
	if got := binary.LittleEndian.Uint32(b[112:]); got != 256 {
		t.Errorf("int_stride at byte 112 = %d, want 256", got)
	}

	back, err := DecodeWeightsParams(b)
	if err != nil {
		t.Fatal(err)
	}
	if back != p {
		t.Errorf("decode mismatch: %+v != %+v", back, p)
	}
	if _, err := DecodeWeightsParams(b[:10]); err == nil {
		t.Error("short block decoded without error")
	}
}

func TestDenoiseParams(t *testing.T) {
	p := DenoiseParams{Width: [4]uint32{9, 5, 5}, Height: [4]uint32{7, 4, 4}, WSStride: [4]uint32{16, 16, 16}}
	back, err := DecodeDenoiseParams(p.Bytes())
	if err != nil || back != p {
		t.Errorf("DecodeDenoiseParams() = %+v, %v", back, err)
	}
}

func TestProgramValidate(t *testing.T) {
	ok := &Program{
		Kind:      KernelWeights,
		Workgroup: [3]uint32{64, 1, 1},
		Rows:      1,
		Channels:  []int{1},
		Instrs: []Instr{
			{Op: OpBeginLines, Axis: AxisHorizontal},
			{Op: OpDifference},
			{Op: OpBarrier},
			{Op: OpLocalPrefix},
			{Op: OpBarrier},
			{Op: OpCarry},
			{Op: OpEndLines},
		},
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(p *Program)
		want   string
	}{
		{"unbalanced", func(p *Program) { p.Instrs = p.Instrs[:3] }, "ends inside"},
		{"nested", func(p *Program) {
			p.Instrs = append([]Instr{{Op: OpBeginLines}}, p.Instrs...)
		}, "nested"},
		{"plane", func(p *Program) { p.Instrs[1].Plane = 2 }, "plane out of range"},
		{"kind", func(p *Program) { p.Kind = KernelDenoise }, "outside a weights"},
		{"workgroup", func(p *Program) { p.Workgroup[1] = 0 }, "empty workgroup"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := *ok
			p.Instrs = append([]Instr(nil), ok.Instrs...)
			tt.mutate(&p)
			err := p.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}

	if got := ok.String(); !strings.Contains(got, "  difference plane=0 ch=0\n") {
		t.Errorf("String() did not indent loop body:\n%s", got)
	}
}

func TestExecContext(t *testing.T) {
	ec := NewExecContext("frame")
	ec.Barrier()
	ec.Fill(7, 0, 64, 0)
	ec.Barrier(BufferBarrier{Buffer: 7, SrcStage: StageTransfer, SrcAccess: AccessWrite, DstStage: StageCompute, DstAccess: AccessReadWrite})
	ec.Dispatch(&DispatchCmd{Buffers: []BufferBinding{{Buffer: 7}, {Buffer: 9}}})

	b, f, d := ec.Count()
	if b != 1 || f != 1 || d != 1 {
		t.Errorf("Count() = %d,%d,%d want 1,1,1", b, f, d)
	}
	if deps := ec.BufferDeps(); len(deps) != 2 || deps[0] != 7 || deps[1] != 9 {
		t.Errorf("BufferDeps() = %v, want [7 9]", deps)
	}
}

func TestAccess(t *testing.T) {
	if !AccessReadWrite.Writes() || AccessRead.Writes() {
		t.Error("Writes() wrong")
	}
	if AccessReadWrite.String() != "read-write" || StageCompute.String() != "compute" {
		t.Error("String() wrong")
	}
}
