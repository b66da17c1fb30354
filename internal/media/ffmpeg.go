package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	audioCodec   = "aac"
	audioBitrate = "192k"
	stderrTail   = 2048
)

// FFmpeg concatenates downloaded segments into a single audio track.
type FFmpeg struct {
	Path    string
	Timeout time.Duration

	run func(cmd *exec.Cmd) error
}

func NewFFmpeg(path string, timeout time.Duration) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{
		Path:    path,
		Timeout: timeout,
		run:     (*exec.Cmd).Run,
	}
}

func (f *FFmpeg) IsAvailable() bool {
	if _, err := exec.LookPath(f.Path); err != nil {
		return false
	}
	return true
}

func (f *FFmpeg) setupLogOutput(cmd *exec.Cmd, buffer *bytes.Buffer) {
	cmd.Stdout = buffer
	cmd.Stderr = buffer
}

func (f *FFmpeg) buildConcatCmd(ctx context.Context, manifest, output string) *exec.Cmd {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "concat",
		"-safe", "0",
		"-i", manifest,
		"-vn",
		"-acodec", audioCodec,
		"-b:a", audioBitrate,
		"-y",
		output,
	}
	return exec.CommandContext(ctx, f.Path, args...)
}

// Concat runs ffmpeg over a concat manifest and writes output.
func (f *FFmpeg) Concat(ctx context.Context, manifest, output string) error {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	var logBuffer bytes.Buffer
	cmd := f.buildConcatCmd(ctx, manifest, output)
	f.setupLogOutput(cmd, &logBuffer)

	if err := f.run(cmd); err != nil {
		return fmt.Errorf("ffmpeg failed: %w (output: %s)", err, tail(logBuffer.String(), stderrTail))
	}
	return nil
}

// writeConcatManifest writes the ffmpeg concat demuxer input listing files in order.
func writeConcatManifest(path string, files []string) error {
	var b strings.Builder
	for _, file := range files {
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(file, "'", `'\''`))
		b.WriteString("'\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0o600)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
