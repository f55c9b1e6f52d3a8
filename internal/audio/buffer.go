package audio

// Buffer accumulates PCM for one channel until the segmenter or the quality
// gate disposes of it. It is not safe for concurrent use; the coordinator
// serialises access per channel.
type Buffer struct {
	chunks        [][]byte
	bytes         int
	sampleRate    int
	totalDuration float64

	sessionStart float64
	firstChunk   float64
	lastChunk    float64
}

// Flushed is the content handed out by FlushAndReset. Times are relative to
// the session start.
type Flushed struct {
	PCM        []byte
	SampleRate int
	StartTime  float64
	EndTime    float64
	Duration   float64
}

func NewBuffer(sampleRate int, sessionStart float64) *Buffer {
	return &Buffer{sampleRate: sampleRate, sessionStart: sessionStart}
}

// Append stores a copy of chunk and returns the updated duration and byte total.
func (b *Buffer) Append(chunk []byte, timestamp float64) (float64, int) {
	if len(chunk) == 0 {
		return b.totalDuration, b.bytes
	}
	if b.bytes == 0 {
		b.firstChunk = timestamp
	}
	b.chunks = append(b.chunks, append([]byte(nil), chunk...))
	b.bytes += len(chunk)
	b.lastChunk = timestamp
	b.totalDuration = Duration(b.bytes, b.sampleRate)
	return b.totalDuration, b.bytes
}

func (b *Buffer) Duration() float64 { return b.totalDuration }

func (b *Buffer) Len() int { return b.bytes }

func (b *Buffer) SampleRate() int { return b.sampleRate }

func (b *Buffer) SessionStart() float64 { return b.sessionStart }

func (b *Buffer) LastChunkTimestamp() float64 { return b.lastChunk }

// FlushAndReset returns everything buffered and leaves the buffer empty. The
// session start is kept so later flushes share one time base.
func (b *Buffer) FlushAndReset(timestamp float64) Flushed {
	pcm := make([]byte, 0, b.bytes)
	for _, c := range b.chunks {
		pcm = append(pcm, c...)
	}
	start := b.firstChunk - b.sessionStart
	if b.bytes == 0 {
		start = timestamp - b.sessionStart
	}
	if start < 0 {
		start = 0
	}
	out := Flushed{
		PCM:        pcm,
		SampleRate: b.sampleRate,
		StartTime:  start,
		EndTime:    start + b.totalDuration,
		Duration:   b.totalDuration,
	}
	b.reset()
	return out
}

// Clear drops buffered audio without returning it.
func (b *Buffer) Clear() {
	b.reset()
}

func (b *Buffer) reset() {
	b.chunks = nil
	b.bytes = 0
	b.totalDuration = 0
	b.firstChunk = 0
	b.lastChunk = 0
}
