package dsp

// Route is the solo/mute state of a band. Holding both flags in one value
// makes solo and mute mutually exclusive.
type Route uint32

const (
	RouteNormal Route = iota
	RouteSolo
	RouteMute
)

func (r Route) String() string {
	switch r {
	case RouteSolo:
		return "solo"
	case RouteMute:
		return "mute"
	default:
		return "normal"
	}
}

// BandSignal is one band's processed block as seen by the mixer.
type BandSignal struct {
	Buffers [][]float32 // per channel
	Gain    float32
	Route   Route
}

// Included reports whether band i takes part in the sum. If any band is
// soloed only soloed bands are summed, otherwise every band that is not
// muted is.
func Included(route Route, anySolo bool) bool {
	if anySolo {
		return route == RouteSolo
	}

	return route != RouteMute
}

// MixBands clears the first n samples of every channel of out and adds each
// included band scaled by its gain.
func MixBands(out [][]float32, bands []BandSignal, n int) {
	anySolo := false
	for _, b := range bands {
		if b.Route == RouteSolo {
			anySolo = true
			break
		}
	}

	for c := range out {
		dst := out[c][:n]
		clear(dst)

		for _, b := range bands {
			if !Included(b.Route, anySolo) || c >= len(b.Buffers) {
				continue
			}

			src := b.Buffers[c][:n]
			for i := range dst {
				dst[i] += src[i] * b.Gain
			}
		}
	}
}
