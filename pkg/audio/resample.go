// Package audio provides PCM resampling and channel conversion for the voice
// pipeline. All functions operate on 16-bit signed little-endian PCM.
//
// The resampler uses linear interpolation between adjacent input samples —
// telephony-grade quality, which is sufficient for speech, with no windowing
// or anti-aliasing filter. A 100 ms chunk resamples far below real-time on a
// single core.
package audio

import (
	"errors"
	"fmt"
)

// SupportedRates lists the sample rates the resampler accepts, in Hz.
var SupportedRates = []int{8000, 16000, 24000, 32000, 48000}

// Errors returned by [Resample].
var (
	// ErrEmptyInput is returned when the input buffer contains no samples.
	ErrEmptyInput = errors.New("audio: empty input buffer")

	// ErrOddByteCount is returned when the input length is not a multiple of
	// the 2-byte sample size.
	ErrOddByteCount = errors.New("audio: odd byte count in PCM data")
)

// UnsupportedRateError is returned when a requested sample rate is not in
// [SupportedRates].
type UnsupportedRateError struct {
	Rate int
}

func (e *UnsupportedRateError) Error() string {
	return fmt.Sprintf("audio: unsupported sample rate %d Hz", e.Rate)
}

// RateSupported reports whether rate is one of [SupportedRates].
func RateSupported(rate int) bool {
	for _, r := range SupportedRates {
		if r == rate {
			return true
		}
	}
	return false
}

// Resampler converts mono PCM between two fixed sample rates. The zero value
// is not usable; construct with [NewResampler]. A Resampler carries no state
// between calls and is safe for concurrent use.
type Resampler struct {
	srcRate int
	dstRate int
}

// NewResampler creates a Resampler converting from srcRate to dstRate.
// Both rates must be in [SupportedRates].
func NewResampler(srcRate, dstRate int) (*Resampler, error) {
	if !RateSupported(srcRate) {
		return nil, &UnsupportedRateError{Rate: srcRate}
	}
	if !RateSupported(dstRate) {
		return nil, &UnsupportedRateError{Rate: dstRate}
	}
	return &Resampler{srcRate: srcRate, dstRate: dstRate}, nil
}

// Resample converts pcm from the source to the destination rate.
// See [Resample] for the conversion contract.
func (r *Resampler) Resample(pcm []byte) ([]byte, error) {
	return Resample(pcm, r.srcRate, r.dstRate)
}

// Resample converts 16-bit mono little-endian PCM from srcRate to dstRate
// using linear interpolation. The output holds exactly
// ⌊len(pcm)/2 × dstRate/srcRate⌋ samples; the final sample is clamped to the
// last input sample. If srcRate == dstRate the input is returned unchanged.
//
// Fails only on malformed input: zero length, odd byte count, or a rate
// outside [SupportedRates].
func Resample(pcm []byte, srcRate, dstRate int) ([]byte, error) {
	if !RateSupported(srcRate) {
		return nil, &UnsupportedRateError{Rate: srcRate}
	}
	if !RateSupported(dstRate) {
		return nil, &UnsupportedRateError{Rate: dstRate}
	}
	if len(pcm) == 0 {
		return nil, ErrEmptyInput
	}
	if len(pcm)%2 != 0 {
		return nil, ErrOddByteCount
	}
	if srcRate == dstRate {
		return pcm, nil
	}

	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil, nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out, nil
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}
