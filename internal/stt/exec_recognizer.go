package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/loqalabs/callscribe/internal/audio"
	"github.com/loqalabs/callscribe/internal/config"
	"github.com/mattn/go-shellwords"
)

type execTranscriber struct {
	cmd       []string
	modelPath string
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
}

// NewExecTranscriber runs a local recognizer command once per utterance. The
// command receives --audio <wav> and prints a JSON object on stdout.
func NewExecTranscriber(cfg config.ExecConfig) (Transcriber, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execTranscriber{cmd: args, modelPath: cfg.ModelPath}, nil
}

func (r *execTranscriber) Name() string { return config.BackendExec }

func (r *execTranscriber) Transcribe(ctx context.Context, u Utterance) (*Result, error) {
	file, err := os.CreateTemp("", "callscribe_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, u.PCM, u.SampleRate, 1); err != nil {
		return nil, err
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.modelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.modelPath)
	}
	if u.Language != "" {
		cmdArgs = append(cmdArgs, "--language", u.Language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode stt response: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, nil
	}
	lang := resp.Language
	if lang == "" {
		lang = u.Language
	}
	return &Result{
		Text:            text,
		Confidence:      resp.Confidence,
		Language:        lang,
		DurationSeconds: audio.Duration(len(u.PCM), u.SampleRate),
	}, nil
}
