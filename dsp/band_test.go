package dsp

import (
	"errors"
	"math"
	"sync"
	"testing"
)

func testIR(name string, n int, rate float64) *ImpulseResponse {
	ir := decayingIR(n, float64(n)/6)
	for i := 1; i < len(ir); i += 3 {
		ir[i] = -ir[i]
	}

	return &ImpulseResponse{Name: name, Path: name + ".wav", SampleRate: rate, Samples: ir}
}

func preparedBand(t *testing.T, channels, block int) *BandReverb {
	t.Helper()

	b := NewBandReverb(0, BandOptions{MinOrder: 6, MaxOrder: 9, Normalize: true})
	if err := b.Prepare(ProcessContext{SampleRate: testRate, BlockSize: block, Channels: channels}); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	return b
}

func copyChannels(in [][]float32) [][]float32 {
	out := make([][]float32, len(in))
	for c := range in {
		out[c] = append([]float32(nil), in[c]...)
	}

	return out
}

func TestBandPassThroughWithoutIR(t *testing.T) {
	t.Parallel()

	for _, mix := range []float64{0, 0.3, 1} {
		for _, db := range []float64{0, -6, 6, MinVolumeDB} {
			b := preparedBand(t, 2, 128)
			b.SetMix(mix)
			b.SetVolumeDB(db)

			in := [][]float32{noise(128, 1), noise(128, 2)}
			buf := copyChannels(in)
			b.Process(buf)

			g := float32(b.Gain())
			for c := range buf {
				for i := range buf[c] {
					if want := in[c][i] * g; buf[c][i] != want {
						t.Fatalf("mix %.1f vol %.0f dB: ch %d sample %d = %g, want %g", mix, db, c, i, buf[c][i], want)
					}
				}
			}
		}
	}
}

func TestBandDryOnlyWithIR(t *testing.T) {
	t.Parallel()

	b := preparedBand(t, 1, 256)
	if err := b.SetImpulseResponse(testIR("hall", 2000, testRate)); err != nil {
		t.Fatalf("SetImpulseResponse: %v", err)
	}

	b.SetMix(0)

	for block := range 8 {
		in := noise(256, int64(block))
		buf := [][]float32{append([]float32(nil), in...)}
		b.Process(buf)

		for i := range in {
			if buf[0][i] != in[i] {
				t.Fatalf("block %d sample %d = %g, want dry %g", block, i, buf[0][i], in[i])
			}
		}
	}
}

func TestBandWetOnlyMatchesConvolver(t *testing.T) {
	t.Parallel()

	b := preparedBand(t, 1, 256)
	if err := b.SetImpulseResponse(testIR("plate", 3000, testRate)); err != nil {
		t.Fatalf("SetImpulseResponse: %v", err)
	}

	b.SetMix(1)

	ref, err := NewConvolver(b.ImpulseResponse().Samples, 6, 9)
	if err != nil {
		t.Fatalf("NewConvolver: %v", err)
	}

	for block := range 16 {
		in := noise(256, int64(100+block))
		want := make([]float32, len(in))

		if err := ref.ProcessBlock(in, want); err != nil {
			t.Fatalf("ProcessBlock: %v", err)
		}

		buf := [][]float32{append([]float32(nil), in...)}
		b.Process(buf)

		for i := range want {
			if buf[0][i] != want[i] {
				t.Fatalf("block %d sample %d = %g, want wet %g", block, i, buf[0][i], want[i])
			}
		}
	}
}

func TestBandMixAndVolumeClamp(t *testing.T) {
	t.Parallel()

	b := NewBandReverb(1, DefaultBandOptions())

	if b.Mix() != 0.5 || b.Gain() != 1 {
		t.Fatalf("defaults mix=%g gain=%g, want 0.5 and 1", b.Mix(), b.Gain())
	}

	b.SetMix(1.7)
	if b.Mix() != 1 {
		t.Errorf("Mix() = %g after 1.7, want 1", b.Mix())
	}

	b.SetMix(-2)
	if b.Mix() != 0 {
		t.Errorf("Mix() = %g after -2, want 0", b.Mix())
	}

	b.SetVolumeDB(40)
	if want := math.Pow(10, MaxVolumeDB/20); math.Abs(b.Gain()-want) > 1e-5 {
		t.Errorf("Gain() = %g after +40 dB, want %g", b.Gain(), want)
	}

	b.SetVolumeDB(-200)
	if b.Gain() != 0 {
		t.Errorf("Gain() = %g at the volume floor, want 0", b.Gain())
	}
}

func TestBandSoloMuteExclusive(t *testing.T) {
	t.Parallel()

	b := NewBandReverb(0, DefaultBandOptions())

	steps := []struct {
		op   func()
		want Route
	}{
		{op: func() { b.SetMute(true) }, want: RouteMute},
		{op: func() { b.SetSolo(true) }, want: RouteSolo},
		{op: func() { b.SetMute(false) }, want: RouteSolo},
		{op: func() { b.SetMute(true) }, want: RouteMute},
		{op: func() { b.SetSolo(false) }, want: RouteMute},
		{op: func() { b.SetMute(false) }, want: RouteNormal},
	}

	for i, s := range steps {
		s.op()

		if got := b.Route(); got != s.want {
			t.Fatalf("step %d: route %v, want %v", i, got, s.want)
		}

		if b.Soloed() && b.Muted() {
			t.Fatalf("step %d: soloed and muted at once", i)
		}
	}
}

func TestBandLastSubmittedLoadWins(t *testing.T) {
	t.Parallel()

	b := preparedBand(t, 1, 64)

	older := b.beginLoad()
	newer := b.beginLoad()

	if err := b.install(newer, testIR("newer", 500, testRate)); err != nil {
		t.Fatalf("install newer: %v", err)
	}

	if err := b.install(older, testIR("older", 500, testRate)); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("install older: err = %v, want ErrSuperseded", err)
	}

	if got := b.ImpulseResponse().Name; got != "newer" {
		t.Fatalf("active IR %q, want newer", got)
	}

	// An older load that completes first is still dropped once a newer one
	// has been requested.
	first := b.beginLoad()
	second := b.beginLoad()

	if err := b.install(first, testIR("first", 500, testRate)); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("install first: err = %v, want ErrSuperseded", err)
	}

	if err := b.install(second, testIR("second", 500, testRate)); err != nil {
		t.Fatalf("install second: %v", err)
	}

	if got := b.ImpulseResponse().Name; got != "second" {
		t.Fatalf("active IR %q, want second", got)
	}
}

func TestBandConcurrentSwap(t *testing.T) {
	t.Parallel()

	b := preparedBand(t, 2, 128)
	b.SetMix(0.7)

	irs := []*ImpulseResponse{testIR("a", 900, testRate), testIR("b", 2500, testRate), nil}

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		for i := range 60 {
			if ir := irs[i%len(irs)]; ir != nil {
				if err := b.SetImpulseResponse(ir); err != nil && !errors.Is(err, ErrSuperseded) {
					t.Errorf("SetImpulseResponse: %v", err)
				}
			} else {
				b.ClearImpulseResponse()
			}
		}
	}()

	buf := [][]float32{make([]float32, 128), make([]float32, 128)}
	for block := range 400 {
		for c := range buf {
			copy(buf[c], noise(128, int64(block)))
		}

		b.Process(buf)

		for c := range buf {
			for i, v := range buf[c] {
				if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
					t.Fatalf("block %d ch %d sample %d not finite: %g", block, c, i, v)
				}
			}
		}
	}

	wg.Wait()
}

func TestBandImpulseBeforePrepare(t *testing.T) {
	t.Parallel()

	b := NewBandReverb(2, BandOptions{MinOrder: 6, MaxOrder: 8})
	if err := b.SetImpulseResponse(testIR("room", 1000, 24000)); err != nil {
		t.Fatalf("SetImpulseResponse: %v", err)
	}

	if !b.HasImpulse() || b.ImpulseResponse() != nil {
		t.Fatalf("before Prepare: HasImpulse=%v active=%v, want true and nil", b.HasImpulse(), b.ImpulseResponse())
	}

	if err := b.Prepare(ProcessContext{SampleRate: testRate, BlockSize: 64, Channels: 1}); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	active := b.ImpulseResponse()
	if active == nil {
		t.Fatal("no active IR after Prepare")
	}

	if active.SampleRate != testRate {
		t.Errorf("active IR rate %.0f, want %.0f", active.SampleRate, testRate)
	}

	if n := len(active.Samples); n < 1900 || n > 2100 {
		t.Errorf("resampled IR has %d samples, want about 2000", n)
	}

	b.ClearImpulseResponse()

	if b.HasImpulse() || b.ImpulseResponse() != nil {
		t.Error("IR still present after ClearImpulseResponse")
	}
}

func TestBandRejectsEmptyImpulse(t *testing.T) {
	t.Parallel()

	b := preparedBand(t, 1, 64)
	if err := b.SetImpulseResponse(&ImpulseResponse{Name: "empty", SampleRate: testRate}); !errors.Is(err, ErrEmptyImpulse) {
		t.Fatalf("err = %v, want ErrEmptyImpulse", err)
	}

	if b.HasImpulse() {
		t.Error("empty IR was installed")
	}
}

func TestBandWetPathLatency(t *testing.T) {
	t.Parallel()

	b := preparedBand(t, 1, 256)

	unit := make([]float32, 32)
	unit[0] = 1

	if err := b.SetImpulseResponse(&ImpulseResponse{Name: "unit", SampleRate: testRate, Samples: unit}); err != nil {
		t.Fatalf("SetImpulseResponse: %v", err)
	}

	b.SetMix(1)

	buf := [][]float32{make([]float32, 256)}
	buf[0][0] = 1
	b.Process(buf)

	latency := 1 << 6
	for i, v := range buf[0] {
		want := 0.0
		if i == latency {
			want = 1
		}

		if math.Abs(float64(v)-want) > 1e-4 {
			t.Fatalf("sample %d = %g, want %g", i, v, want)
		}
	}
}
