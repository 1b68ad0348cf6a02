package dsp

import "testing"

func constBand(v float32, gain float32, route Route) BandSignal {
	buf := make([]float32, 8)
	for i := range buf {
		buf[i] = v
	}

	return BandSignal{Buffers: [][]float32{buf}, Gain: gain, Route: route}
}

func TestMixBandsRouting(t *testing.T) {
	t.Parallel()

	// Band values are powers of two so every subset has a distinct sum.
	tests := []struct {
		name   string
		routes []Route
		want   float32
	}{
		{name: "all normal", routes: []Route{RouteNormal, RouteNormal, RouteNormal}, want: 1 + 2 + 4},
		{name: "one muted", routes: []Route{RouteNormal, RouteMute, RouteNormal}, want: 1 + 4},
		{name: "all muted", routes: []Route{RouteMute, RouteMute, RouteMute}, want: 0},
		{name: "solo low", routes: []Route{RouteSolo, RouteNormal, RouteNormal}, want: 1},
		{name: "solo beats mute elsewhere", routes: []Route{RouteSolo, RouteMute, RouteNormal}, want: 1},
		{name: "two solos", routes: []Route{RouteSolo, RouteNormal, RouteSolo}, want: 1 + 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			bands := []BandSignal{
				constBand(1, 1, tt.routes[0]),
				constBand(2, 1, tt.routes[1]),
				constBand(4, 1, tt.routes[2]),
			}

			out := [][]float32{make([]float32, 8)}
			for i := range out[0] {
				out[0][i] = 99
			}

			MixBands(out, bands, 8)

			for i, v := range out[0] {
				if v != tt.want {
					t.Fatalf("sample %d = %g, want %g", i, v, tt.want)
				}
			}
		})
	}
}

func TestMixBandsAppliesGain(t *testing.T) {
	t.Parallel()

	bands := []BandSignal{constBand(1, 0.5, RouteSolo), constBand(2, 3, RouteNormal)}
	out := [][]float32{make([]float32, 8)}

	MixBands(out, bands, 4)

	for i := range 4 {
		if out[0][i] != 0.5 {
			t.Fatalf("sample %d = %g, want 0.5", i, out[0][i])
		}
	}

	if out[0][4] != 0 {
		t.Errorf("sample past n was written: %g", out[0][4])
	}
}

func TestIncluded(t *testing.T) {
	t.Parallel()

	tests := []struct {
		route   Route
		anySolo bool
		want    bool
	}{
		{RouteNormal, false, true},
		{RouteMute, false, false},
		{RouteSolo, false, true},
		{RouteNormal, true, false},
		{RouteMute, true, false},
		{RouteSolo, true, true},
	}

	for _, tt := range tests {
		if got := Included(tt.route, tt.anySolo); got != tt.want {
			t.Errorf("Included(%v, %v) = %v, want %v", tt.route, tt.anySolo, got, tt.want)
		}
	}
}
