package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/callscribe/internal/audio"
	"github.com/loqalabs/callscribe/internal/bus"
	"github.com/loqalabs/callscribe/internal/config"
	"github.com/loqalabs/callscribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'replay', 'validate' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "replay":
		err = runReplay(os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
		if err == nil {
			fmt.Println("tunables valid")
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runValidate checks a persisted tunables file the same way the daemon does
// on startup.
func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	path := fs.String("file", "tunables.yaml", "Path to tunables file")
	fs.Parse(args)

	if _, err := os.Stat(*path); err != nil {
		return err
	}
	_, err := config.NewTunableStore(config.DefaultTunables(), *path, nil)
	return err
}

// runReplay plays a WAV file into a running daemon as one channel of a call
// and prints the segments it produces.
func runReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	var (
		natsURL   = fs.String("nats", nats.DefaultURL, "NATS server URL")
		file      = fs.String("file", "", "Mono 16-bit WAV file to replay")
		sessionID = fs.String("session", "", "Session id (random when empty)")
		role      = fs.String("role", string(protocol.RoleCaller), "Channel role: caller or operator")
		name      = fs.String("name", "", "Display name for the speaker")
		chunkMS   = fs.Int("chunk-ms", 20, "Chunk size in milliseconds")
		realtime  = fs.Bool("realtime", false, "Pace chunks at real-time speed")
	)
	fs.Parse(args)

	if *file == "" {
		return errors.New("-file is required")
	}
	r := protocol.Role(*role)
	if !r.Valid() {
		return fmt.Errorf("unknown role %q", *role)
	}
	if *chunkMS <= 0 {
		return errors.New("-chunk-ms must be positive")
	}
	if *sessionID == "" {
		*sessionID = uuid.NewString()
	}

	f, err := os.Open(*file)
	if err != nil {
		return err
	}
	pcm, rate, err := audio.ReadWAV(f)
	f.Close()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	busCfg := config.Default().Bus
	busCfg.Servers = []string{*natsURL}
	ctx := context.Background()
	client, err := bus.Connect(ctx, busCfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	sub, err := client.Conn().Subscribe(protocol.SegmentSubject(*sessionID), func(msg *nats.Msg) {
		var seg protocol.TranscriptSegment
		if err := json.Unmarshal(msg.Data, &seg); err != nil {
			return
		}
		fmt.Printf("[%7.2fs] %s: %s\n", seg.StartTime, seg.SpeakerLabel, seg.Text)
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	start := protocol.SessionStart{
		SessionID: *sessionID,
		Roles:     map[protocol.Role]string{r: *name},
		Timestamp: time.Now().UTC(),
	}
	reply, err := request(client, protocol.SubjectSessionStart, start, 10*time.Second)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	var started struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(reply, &started); err == nil && started.Error != "" {
		return fmt.Errorf("start session: %s", started.Error)
	}

	step := audio.BytesFor(float64(*chunkMS)/1000, rate)
	for off := 0; off < len(pcm); off += step {
		end := min(off+step, len(pcm))
		chunk := protocol.AudioChunk{
			SessionID:  *sessionID,
			Role:       r,
			SampleRate: rate,
			PCM:        pcm[off:end],
			Timestamp:  audio.Duration(off, rate),
		}
		if err := client.PublishJSON(protocol.AudioSubject(*sessionID, r), chunk); err != nil {
			return err
		}
		if *realtime {
			time.Sleep(time.Duration(*chunkMS) * time.Millisecond)
		}
	}

	data, err := request(client, protocol.SubjectSessionEnd, protocol.SessionEnd{SessionID: *sessionID, Timestamp: time.Now().UTC()}, 2*time.Minute)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	var stats protocol.SessionStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return err
	}
	out, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(out))
	return nil
}

func request(client *bus.Client, subject string, v any, timeout time.Duration) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	msg, err := client.Conn().Request(subject, data, timeout)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}
