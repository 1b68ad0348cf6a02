package dsp

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func decayingIR(n int, tau float64) []float32 {
	ir := make([]float32, n)
	for i := range ir {
		ir[i] = float32(math.Exp(-float64(i) / tau))
	}

	return ir
}

func noise(n int, seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))

	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.Float64()*2 - 1)
	}

	return out
}

func directConvolution(x, h []float32) []float64 {
	y := make([]float64, len(x))
	for n := range y {
		var acc float64
		for k := 0; k < len(h) && k <= n; k++ {
			acc += float64(h[k]) * float64(x[n-k])
		}

		y[n] = acc
	}

	return y
}

func runConvolver(t *testing.T, c *Convolver, in []float32, block int) []float32 {
	t.Helper()

	out := make([]float32, len(in))
	for i := 0; i < len(in); i += block {
		end := min(i+block, len(in))
		if err := c.ProcessBlock(in[i:end], out[i:end]); err != nil {
			t.Fatalf("ProcessBlock: %v", err)
		}
	}

	return out
}

func TestNewConvolver(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		irLen       int
		minOrder    int
		maxOrder    int
		wantLatency int
		wantErr     error
	}{
		{name: "64 samples", irLen: 1024, minOrder: 6, maxOrder: 9, wantLatency: 64},
		{name: "128 samples", irLen: 2048, minOrder: 7, maxOrder: 9, wantLatency: 128},
		{name: "256 samples", irLen: 4096, minOrder: 8, maxOrder: 9, wantLatency: 256},
		{name: "512 samples", irLen: 8192, minOrder: 9, maxOrder: 9, wantLatency: 512},
		{name: "short ir", irLen: 100, minOrder: 6, maxOrder: 9, wantLatency: 64},
		{name: "long ir clipped order", irLen: 48000, minOrder: 7, maxOrder: 10, wantLatency: 128},
		{name: "empty ir", irLen: 0, minOrder: 6, maxOrder: 9, wantErr: ErrEmptyImpulse},
		{name: "min order too low", irLen: 1024, minOrder: 5, maxOrder: 9, wantErr: ErrBlockOrder},
		{name: "max below min", irLen: 1024, minOrder: 8, maxOrder: 6, wantErr: ErrBlockOrder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, err := NewConvolver(decayingIR(tt.irLen, 1000), tt.minOrder, tt.maxOrder)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}

				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if c.Latency() != tt.wantLatency {
				t.Errorf("Latency() = %d, want %d", c.Latency(), tt.wantLatency)
			}

			if c.Len() != tt.irLen {
				t.Errorf("Len() = %d, want %d", c.Len(), tt.irLen)
			}

			covered := 0
			for _, st := range c.Stages() {
				if st[0] > 1<<tt.maxOrder {
					t.Errorf("partition %d exceeds max order %d", st[0], tt.maxOrder)
				}

				covered += st[0] * st[1]
			}

			if covered < tt.irLen {
				t.Errorf("stages cover %d samples, IR has %d", covered, tt.irLen)
			}
		})
	}
}

func TestConvolverMatchesDirectConvolution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		irLen    int
		minOrder int
		maxOrder int
		block    int
	}{
		{name: "single stage", irLen: 200, minOrder: 6, maxOrder: 6, block: 64},
		{name: "mixed stages", irLen: 1500, minOrder: 6, maxOrder: 9, block: 100},
		{name: "odd host block", irLen: 3000, minOrder: 7, maxOrder: 10, block: 37},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := noise(tt.irLen, 1)
			for i := range h {
				h[i] *= float32(math.Exp(-float64(i)/float64(tt.irLen/4))) * 0.1
			}

			x := noise(6000, 2)

			c, err := NewConvolver(h, tt.minOrder, tt.maxOrder)
			if err != nil {
				t.Fatalf("NewConvolver: %v", err)
			}

			got := runConvolver(t, c, x, tt.block)
			want := directConvolution(x, h)
			lat := c.Latency()

			for i := range lat {
				if got[i] != 0 {
					t.Fatalf("sample %d before latency = %g, want 0", i, got[i])
				}
			}

			for n := lat; n < len(got); n++ {
				if d := math.Abs(float64(got[n]) - want[n-lat]); d > 1e-3 {
					t.Fatalf("sample %d: got %g want %g (diff %g)", n, got[n], want[n-lat], d)
				}
			}
		})
	}
}

func TestConvolverBlockSizeIndependent(t *testing.T) {
	t.Parallel()

	h := decayingIR(700, 80)
	x := noise(4096, 3)

	ref, err := NewConvolver(h, 6, 8)
	if err != nil {
		t.Fatalf("NewConvolver: %v", err)
	}

	want := runConvolver(t, ref, x, 64)

	for _, block := range []int{1, 16, 100, 128, 511} {
		c, err := NewConvolver(h, 6, 8)
		if err != nil {
			t.Fatalf("NewConvolver: %v", err)
		}

		got := runConvolver(t, c, x, block)
		for i := range got {
			if got[i] != want[i] {
				t.Fatalf("block %d: sample %d = %g, want %g", block, i, got[i], want[i])
			}
		}
	}
}

func TestConvolverInPlace(t *testing.T) {
	t.Parallel()

	h := decayingIR(300, 40)
	x := noise(1024, 4)

	a, _ := NewConvolver(h, 6, 8)
	b, _ := NewConvolver(h, 6, 8)

	want := runConvolver(t, a, x, 128)

	buf := append([]float32(nil), x...)
	for i := 0; i < len(buf); i += 128 {
		if err := b.ProcessBlock(buf[i:i+128], buf[i:i+128]); err != nil {
			t.Fatalf("ProcessBlock: %v", err)
		}
	}

	for i := range buf {
		if buf[i] != want[i] {
			t.Fatalf("sample %d: in place %g, separate %g", i, buf[i], want[i])
		}
	}
}

func TestConvolverReset(t *testing.T) {
	t.Parallel()

	h := decayingIR(512, 100)

	used, err := NewConvolver(h, 6, 8)
	if err != nil {
		t.Fatalf("NewConvolver: %v", err)
	}

	runConvolver(t, used, noise(300, 5), 64)
	used.Reset()

	fresh, _ := NewConvolver(h, 6, 8)

	impulse := make([]float32, 1024)
	impulse[0] = 1

	got := runConvolver(t, used, impulse, 64)
	want := runConvolver(t, fresh, impulse, 64)

	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("sample %d: reset %g, fresh %g", i, got[i], want[i])
		}
	}
}

func TestConvolverBlockLengthMismatch(t *testing.T) {
	t.Parallel()

	c, _ := NewConvolver(decayingIR(64, 10), 6, 6)
	if err := c.ProcessBlock(make([]float32, 10), make([]float32, 11)); !errors.Is(err, ErrBlockLength) {
		t.Fatalf("err = %v, want ErrBlockLength", err)
	}
}

func BenchmarkConvolver(b *testing.B) {
	ir := decayingIR(96000, 12000)

	c, err := NewConvolver(ir, 7, 12)
	if err != nil {
		b.Fatalf("NewConvolver: %v", err)
	}

	in := noise(256, 1)
	out := make([]float32, 256)

	b.ReportAllocs()
	b.ResetTimer()

	for range b.N {
		_ = c.ProcessBlock(in, out)
	}
}
