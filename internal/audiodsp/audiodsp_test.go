package audiodsp

import (
	"encoding/binary"
	"math"
	"testing"
)

func int16Buf(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestMulawRoundTripApproximate(t *testing.T) {
	pcm := int16Buf(0, 1000, -1000, 16000, -16000, 32000, -32000, 100)
	ulaw := EncodeMulaw(pcm)
	if len(ulaw) != len(pcm)/2 {
		t.Fatalf("expected %d ulaw bytes, got %d", len(pcm)/2, len(ulaw))
	}
	decoded := DecodeMulaw(ulaw)
	if len(decoded) != len(pcm) {
		t.Fatalf("decoded length mismatch: got %d want %d", len(decoded), len(pcm))
	}

	// μ-law is lossy; allow a generous tolerance proportional to magnitude.
	for i := 0; i < len(pcm)/2; i++ {
		orig := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		got := int16(binary.LittleEndian.Uint16(decoded[i*2:]))
		tolerance := int32(math.Abs(float64(orig))*0.05) + 32
		diff := int32(orig) - int32(got)
		if diff < 0 {
			diff = -diff
		}
		if diff > tolerance {
			t.Errorf("sample %d: orig=%d decoded=%d diff=%d exceeds tolerance %d", i, orig, got, diff, tolerance)
		}
	}
}

func TestEncodeMulawSilenceRoundTripsExactly(t *testing.T) {
	pcm := int16Buf(0, 0, 0, 0)
	decoded := DecodeMulaw(EncodeMulaw(pcm))
	for i := 0; i < 4; i++ {
		got := int16(binary.LittleEndian.Uint16(decoded[i*2:]))
		if got != 0 {
			t.Errorf("sample %d: expected 0, got %d", i, got)
		}
	}
}

func TestRMSOfSilenceIsZero(t *testing.T) {
	pcm := int16Buf(0, 0, 0, 0, 0)
	if rms := RMS(pcm); rms != 0 {
		t.Errorf("expected 0 rms for silence, got %v", rms)
	}
}

func TestRMSOfConstantAmplitudeEqualsAmplitude(t *testing.T) {
	pcm := int16Buf(1000, -1000, 1000, -1000)
	rms := RMS(pcm)
	if math.Abs(rms-1000) > 0.01 {
		t.Errorf("expected rms ~1000, got %v", rms)
	}
}

func TestNormalizeToPeakHitsTarget(t *testing.T) {
	pcm := int16Buf(100, -200, 300, -150)
	out := NormalizeToPeak(pcm, 0.9)

	peak := int16(0)
	for i := 0; i < len(out)/2; i++ {
		s := int16(binary.LittleEndian.Uint16(out[i*2:]))
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	target := int16(math.Round(0.9 * 32767))
	if math.Abs(float64(peak-target)) > 2 {
		t.Errorf("expected peak near %d, got %d", target, peak)
	}
}

func TestNormalizeToPeakSilenceUnchanged(t *testing.T) {
	pcm := int16Buf(0, 0, 0, 0)
	out := NormalizeToPeak(pcm, 0.9)
	for i := range pcm {
		if out[i] != pcm[i] {
			t.Fatalf("expected silence to be returned unchanged")
		}
	}
}

func TestResampleMono16SameRateIsIdentity(t *testing.T) {
	pcm := int16Buf(1, 2, 3, 4)
	out := ResampleMono16(pcm, 8000, 8000)
	if len(out) != len(pcm) {
		t.Fatalf("expected identity length")
	}
}

func TestResampleMono16UpsampleDoublesLength(t *testing.T) {
	pcm := int16Buf(0, 1000, 2000, 3000)
	out := ResampleMono16(pcm, 8000, 16000)
	wantSamples := 8
	if len(out)/2 != wantSamples {
		t.Errorf("expected %d samples, got %d", wantSamples, len(out)/2)
	}
}

func TestResampleMono16DownsampleHalvesLength(t *testing.T) {
	pcm := int16Buf(0, 100, 200, 300, 400, 500, 600, 700)
	out := ResampleMono16(pcm, 16000, 8000)
	wantSamples := 4
	if len(out)/2 != wantSamples {
		t.Errorf("expected %d samples, got %d", wantSamples, len(out)/2)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	pcm := int16Buf(1, 2, 3, 4, 5, 6)
	header := WAVHeader{SampleRate: 16000, BitsPerSample: 16, Channels: 1}
	wav := WrapWAV(pcm, header)

	gotPCM, gotHeader, err := UnwrapWAV(wav)
	if err != nil {
		t.Fatalf("UnwrapWAV: %v", err)
	}
	if gotHeader.SampleRate != header.SampleRate || gotHeader.Channels != header.Channels || gotHeader.BitsPerSample != header.BitsPerSample {
		t.Errorf("header mismatch: got %+v want %+v", gotHeader, header)
	}
	if len(gotPCM) != len(pcm) {
		t.Fatalf("pcm length mismatch: got %d want %d", len(gotPCM), len(pcm))
	}
	for i := range pcm {
		if gotPCM[i] != pcm[i] {
			t.Errorf("pcm byte %d mismatch: got %d want %d", i, gotPCM[i], pcm[i])
		}
	}
}

func TestUnwrapWAVRejectsGarbage(t *testing.T) {
	if _, _, err := UnwrapWAV([]byte("not a wav file")); err == nil {
		t.Fatal("expected error for non-WAV input")
	}
}
