package quality

import (
	"testing"

	"github.com/loqalabs/callscribe/internal/audio"
	"github.com/loqalabs/callscribe/internal/config"
	"github.com/loqalabs/callscribe/internal/protocol"
)

func TestSameLevelDiffersByRole(t *testing.T) {
	tun := config.DefaultTunables()
	// 100 RMS: above the caller minimum (50), below the operator one (150).
	pcm := audio.Constant(0.5, 8000, 100)
	if IsTooQuiet(pcm, protocol.RoleCaller, tun) {
		t.Fatal("caller segment at 100 rms should pass")
	}
	if !IsTooQuiet(pcm, protocol.RoleOperator, tun) {
		t.Fatal("operator segment at 100 rms should be rejected")
	}
}

func TestLoudPeakRescuesModerateSegment(t *testing.T) {
	tun := config.DefaultTunables()
	// RMS ~100 for the operator (between half and full minimum) with a peak
	// above the silence threshold.
	samples := audio.Samples(audio.Constant(0.5, 16000, 100))
	samples[10] = 2000
	v := Check(audio.Encode(samples), protocol.RoleOperator, tun)
	if v.TooQuiet {
		t.Fatalf("expected loud peak to keep segment, got %+v", v)
	}
}

func TestIsolatedClickDoesNotRescueSilence(t *testing.T) {
	tun := config.DefaultTunables()
	samples := audio.Samples(audio.Constant(1, 16000, 10))
	samples[100] = 3000
	v := Check(audio.Encode(samples), protocol.RoleOperator, tun)
	if !v.TooQuiet || v.Reason != "rms_below_half_minimum" {
		t.Fatalf("expected half-minimum rejection, got %+v", v)
	}
}

func TestSpeechLevelPasses(t *testing.T) {
	tun := config.DefaultTunables()
	if IsTooQuiet(audio.Tone(1, 16000, 800, 220), protocol.RoleOperator, tun) {
		t.Fatal("speech-level tone rejected")
	}
	if !IsTooQuiet(nil, protocol.RoleCaller, tun) {
		t.Fatal("empty segment must be too quiet")
	}
}

func TestThresholdsReadFromTunables(t *testing.T) {
	tun := config.DefaultTunables()
	pcm := audio.Constant(0.5, 8000, 100)
	tun.MinRMS8k = 400
	if !IsTooQuiet(pcm, protocol.RoleCaller, tun) {
		t.Fatal("raised caller minimum must apply")
	}
}
