package audio

import (
	"bytes"
	"math"
	"testing"

	"github.com/go-audio/wav"
)

func TestBufferDurationInvariant(t *testing.T) {
	for _, rate := range []int{8000, 16000} {
		b := NewBuffer(rate, 100)
		total := 0
		for i, size := range []int{320, 640, 2, 1000, 160, 4096} {
			dur, n := b.Append(make([]byte, size), 100+float64(i)*0.02)
			total += size
			want := float64(total) / 2 / float64(rate)
			if n != total || dur != want || b.Duration() != want {
				t.Fatalf("rate %d after %d bytes: got dur=%v n=%d want dur=%v", rate, total, dur, n, want)
			}
		}
	}
}

func TestBufferFlushAndReset(t *testing.T) {
	b := NewBuffer(8000, 10)
	b.Append([]byte{1, 0, 2, 0}, 11)
	b.Append([]byte{3, 0}, 11.02)

	out := b.FlushAndReset(11.5)
	if !bytes.Equal(out.PCM, []byte{1, 0, 2, 0, 3, 0}) {
		t.Fatalf("unexpected flushed pcm: %v", out.PCM)
	}
	if out.StartTime != 1 {
		t.Fatalf("expected start relative to session, got %v", out.StartTime)
	}
	if out.Duration != 3.0/8000 || out.EndTime != out.StartTime+out.Duration {
		t.Fatalf("unexpected timing: %+v", out)
	}
	if b.Duration() != 0 || b.Len() != 0 {
		t.Fatalf("buffer not empty after flush")
	}

	// A fresh append must behave like a new buffer with the same time base.
	dur, n := b.Append([]byte{9, 0}, 12)
	if n != 2 || dur != 1.0/8000 {
		t.Fatalf("append after flush: dur=%v n=%d", dur, n)
	}
	again := b.FlushAndReset(12.1)
	if again.StartTime != 2 || !bytes.Equal(again.PCM, []byte{9, 0}) {
		t.Fatalf("second flush: %+v", again)
	}
}

func TestBufferClear(t *testing.T) {
	b := NewBuffer(16000, 0)
	b.Append(make([]byte, 640), 0.5)
	b.Clear()
	if b.Len() != 0 || b.Duration() != 0 {
		t.Fatal("clear left data behind")
	}
	if b.SessionStart() != 0 || b.SampleRate() != 16000 {
		t.Fatal("clear must keep channel identity")
	}
}

func TestBufferCopiesChunks(t *testing.T) {
	b := NewBuffer(8000, 0)
	chunk := []byte{1, 0}
	b.Append(chunk, 0)
	chunk[0] = 42
	if out := b.FlushAndReset(0); out.PCM[0] != 1 {
		t.Fatal("buffer aliases caller memory")
	}
}

func TestMeasure(t *testing.T) {
	lvl := Measure(Constant(0.1, 8000, -400))
	if lvl.RMS != 400 || lvl.Peak != 400 {
		t.Fatalf("constant level: %+v", lvl)
	}
	tone := Measure(Tone(1, 16000, 800, 440))
	if math.Abs(tone.RMS-800) > 5 {
		t.Fatalf("tone rms %v, want ~800", tone.RMS)
	}
	if Measure(nil) != (Level{}) {
		t.Fatal("empty pcm must measure zero")
	}
}

func TestEncodeWAV(t *testing.T) {
	pcm := Tone(0.25, 8000, 1000, 300)
	data, err := EncodeWAV(pcm, 8000)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE header")
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		t.Fatal("decoder rejected file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.SampleRate != 8000 || dec.BitDepth != 16 {
		t.Fatalf("unexpected format rate=%d depth=%d", dec.SampleRate, dec.BitDepth)
	}
	want := Samples(pcm)
	if len(buf.Data) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(buf.Data))
	}
	for i := range want {
		if buf.Data[i] != int(want[i]) {
			t.Fatalf("sample %d: got %d want %d", i, buf.Data[i], want[i])
		}
	}
}

func TestEncodeWAVRejectsOddLength(t *testing.T) {
	if _, err := EncodeWAV([]byte{1, 2, 3}, 8000); err == nil {
		t.Fatal("expected alignment error")
	}
}

func TestReadWAV(t *testing.T) {
	pcm := Tone(0.1, 16000, 800, 440)
	data, err := EncodeWAV(pcm, 16000)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, rate, err := ReadWAV(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rate != 16000 || !bytes.Equal(got, pcm) {
		t.Fatalf("rate=%d, %d bytes, want %d bytes", rate, len(got), len(pcm))
	}

	if _, _, err := ReadWAV(bytes.NewReader([]byte("not a wav file at all"))); err == nil {
		t.Fatal("expected error for garbage input")
	}
}
