package dsp

import (
	"errors"
	"math"
	"sync"
	"testing"
)

func mustParams(t *testing.T, bands int) *Params {
	t.Helper()

	p, err := NewParams(bands)
	if err != nil {
		t.Fatalf("NewParams(%d): %v", bands, err)
	}

	return p
}

func TestParamsDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		bands int
		want  map[string]float64
	}{
		{bands: 2, want: map[string]float64{"crossover1": 1000, "mix0": 50, "mix1": 50, "vol0": 0, "solo1": 0, "mute0": 0}},
		{bands: 3, want: map[string]float64{"crossover1": 500, "crossover2": 5000, "mix2": 50, "vol2": 0}},
	}

	for _, tt := range tests {
		p := mustParams(t, tt.bands)
		for id, want := range tt.want {
			if got := p.Get(id); got != want {
				t.Errorf("%d bands: %s = %g, want %g", tt.bands, id, got, want)
			}
		}
	}

	if _, err := NewParams(4); !errors.Is(err, ErrBandCount) {
		t.Errorf("NewParams(4) err = %v, want ErrBandCount", err)
	}
}

func TestParamsClamp(t *testing.T) {
	t.Parallel()

	p := mustParams(t, 2)

	tests := []struct {
		id   string
		set  float64
		want float64
	}{
		{id: "mix0", set: 150, want: 100},
		{id: "mix0", set: -1, want: 0},
		{id: "vol1", set: 30, want: MaxVolumeDB},
		{id: "vol1", set: -90, want: MinVolumeDB},
		{id: "crossover1", set: 5, want: MinCrossoverHz},
		{id: "crossover1", set: 40000, want: MaxCrossoverHz},
		{id: "solo0", set: 0.7, want: 1},
		{id: "solo0", set: 0.2, want: 0},
		{id: "mix1", set: math.NaN(), want: 50},
	}

	for _, tt := range tests {
		got, err := p.Set(tt.id, tt.set)
		if err != nil {
			t.Fatalf("Set(%s): %v", tt.id, err)
		}

		if got != tt.want || p.Get(tt.id) != tt.want {
			t.Errorf("Set(%s, %g) stored %g, want %g", tt.id, tt.set, p.Get(tt.id), tt.want)
		}
	}

	if _, err := p.Set("nope", 1); !errors.Is(err, ErrUnknownParam) {
		t.Errorf("unknown id err = %v, want ErrUnknownParam", err)
	}
}

func TestParamsCrossoverGap(t *testing.T) {
	t.Parallel()

	p := mustParams(t, 3)

	if got, _ := p.Set("crossover1", 9000); got != 5000-CrossoverGap {
		t.Errorf("crossover1 pushed above crossover2: got %g, want %g", got, 5000-CrossoverGap)
	}

	if got, _ := p.Set("crossover2", 100); got != p.Get("crossover1")+CrossoverGap {
		t.Errorf("crossover2 pushed below crossover1: got %g, want %g", got, p.Get("crossover1")+CrossoverGap)
	}

	if p.Get("crossover2")-p.Get("crossover1") < CrossoverGap {
		t.Errorf("gap violated: %g / %g", p.Get("crossover1"), p.Get("crossover2"))
	}
}

func TestParamsSoloMuteExclusive(t *testing.T) {
	t.Parallel()

	p := mustParams(t, 3)

	var seen []string

	for _, id := range []string{SoloID(1), MuteID(1)} {
		if err := p.AddListener(id, func(id string, v float64) { seen = append(seen, id) }); err != nil {
			t.Fatalf("AddListener: %v", err)
		}
	}

	_, _ = p.Set(MuteID(1), 1)
	_, _ = p.Set(SoloID(1), 1)

	if p.Get(MuteID(1)) != 0 || p.Get(SoloID(1)) != 1 {
		t.Fatalf("after solo: mute=%g solo=%g, want 0 and 1", p.Get(MuteID(1)), p.Get(SoloID(1)))
	}

	_, _ = p.Set(MuteID(1), 1)

	if p.Get(MuteID(1)) != 1 || p.Get(SoloID(1)) != 0 {
		t.Fatalf("after mute: mute=%g solo=%g, want 1 and 0", p.Get(MuteID(1)), p.Get(SoloID(1)))
	}

	want := []string{"mute1", "mute1", "solo1", "solo1", "mute1"}
	if len(seen) != len(want) {
		t.Fatalf("notifications %v, want %v", seen, want)
	}

	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("notifications %v, want %v", seen, want)
		}
	}
}

func TestParamsListenersOnlyOnChange(t *testing.T) {
	t.Parallel()

	p := mustParams(t, 2)
	calls := 0

	if err := p.AddListener("mix0", func(string, float64) { calls++ }); err != nil {
		t.Fatalf("AddListener: %v", err)
	}

	_, _ = p.Set("mix0", 70)
	_, _ = p.Set("mix0", 70)
	_, _ = p.Set("mix1", 10)

	if calls != 1 {
		t.Errorf("listener called %d times, want 1", calls)
	}

	if err := p.AddListener("ghost", func(string, float64) {}); !errors.Is(err, ErrUnknownParam) {
		t.Errorf("AddListener(ghost) err = %v, want ErrUnknownParam", err)
	}
}

func TestParamsNormalizedSkew(t *testing.T) {
	t.Parallel()

	p := mustParams(t, 2)

	spec, _ := p.Spec("crossover1")
	for _, hz := range []float64{20, 100, 1000, 8000, 20000} {
		x := spec.Normalize(hz)
		if back := spec.Denormalize(x); math.Abs(back-hz) > 1e-6*hz {
			t.Errorf("%g Hz -> %g -> %g Hz", hz, x, back)
		}
	}

	// A skew below one gives the low end more travel.
	if x := spec.Normalize(1000); x < 0.25 {
		t.Errorf("1 kHz sits at %g of the control range, want a skewed position above 0.25", x)
	}

	got, err := p.SetNormalized("mix0", 0.25)
	if err != nil || got != 25 {
		t.Errorf("SetNormalized(mix0, 0.25) = %g, %v; want 25", got, err)
	}
}

func TestParamsSnapshotRestore(t *testing.T) {
	t.Parallel()

	src := mustParams(t, 3)
	_, _ = src.Set("crossover2", 12000)
	_, _ = src.Set("crossover1", 9000)
	_, _ = src.Set("mix2", 12.5)
	_, _ = src.Set("vol0", -7.5)
	_, _ = src.Set("solo1", 1)

	snap := src.Snapshot()

	dst := mustParams(t, 3)
	if err := dst.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	for id, want := range snap {
		if got := dst.Get(id); got != want {
			t.Errorf("%s = %g after restore, want %g", id, got, want)
		}
	}

	err := dst.Restore(map[string]float64{"mix0": 10, "bogus": 1})
	if !errors.Is(err, ErrUnknownParam) {
		t.Errorf("Restore with unknown id err = %v, want ErrUnknownParam", err)
	}

	if dst.Get("mix0") != 10 {
		t.Errorf("known ids not applied alongside an unknown one")
	}

	dst.Reset()

	if dst.Get("crossover1") != 500 || dst.Get("solo1") != 0 {
		t.Errorf("Reset left crossover1=%g solo1=%g", dst.Get("crossover1"), dst.Get("solo1"))
	}
}

func TestParamsConcurrentSet(t *testing.T) {
	t.Parallel()

	p := mustParams(t, 3)

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range 200 {
				_, _ = p.Set(SoloID(w%3), float64(i%2))
				_, _ = p.Set(MuteID(w%3), float64((i+1)%2))
				_, _ = p.Set(CrossoverID(w%2), float64(100+i*90))
			}
		}()
	}

	wg.Wait()

	for b := range 3 {
		if p.Get(SoloID(b)) == 1 && p.Get(MuteID(b)) == 1 {
			t.Errorf("band %d both soloed and muted", b)
		}
	}

	if p.Get("crossover2")-p.Get("crossover1") < CrossoverGap {
		t.Errorf("gap violated: %g / %g", p.Get("crossover1"), p.Get("crossover2"))
	}
}

func TestParamsListenerSeesLastStore(t *testing.T) {
	t.Parallel()

	p := mustParams(t, 2)

	var last float64

	if err := p.AddListener("mix0", func(_ string, v float64) { last = v }); err != nil {
		t.Fatalf("AddListener: %v", err)
	}

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range 500 {
				_, _ = p.Set("mix0", float64(w*500+i)/40)
			}
		}()
	}

	wg.Wait()

	if got := p.Get("mix0"); last != got {
		t.Errorf("listener last saw %g, store holds %g", last, got)
	}
}
