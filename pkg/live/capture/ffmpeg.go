package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/vango-go/vai-caseworker/pkg/core"
	"github.com/vango-go/vai-caseworker/pkg/core/audio"
)

// FFmpegOpener captures the default system microphone through an ffmpeg subprocess.
type FFmpegOpener struct {
	Path   string
	Device string
	Logger *slog.Logger
}

func (o FFmpegOpener) Open(ctx context.Context, format audio.Format) (Source, error) {
	path := strings.TrimSpace(o.Path)
	if path == "" {
		path = "ffmpeg"
	}
	if _, err := exec.LookPath(path); err != nil {
		return nil, core.NewPermissionDeniedError("microphone unavailable: ffmpeg is required for capture (install ffmpeg and ensure it is in PATH)", err)
	}
	args, err := ffmpegArgs(runtime.GOOS, o.Device, format)
	if err != nil {
		return nil, core.NewPermissionDeniedError(err.Error(), err)
	}

	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, core.NewPermissionDeniedError("microphone unavailable", fmt.Errorf("open ffmpeg stdout: %w", err))
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, core.NewPermissionDeniedError("microphone unavailable", fmt.Errorf("start ffmpeg mic capture: %w", err))
	}

	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("microphone capture started", "device", args[6], "sample_rate", format.SampleRate)
	return &FFmpegSource{cmd: cmd, r: bufio.NewReaderSize(stdout, 16*1024)}, nil
}

func ffmpegArgs(goos, device string, format audio.Format) ([]string, error) {
	var driver string
	switch goos {
	case "darwin":
		driver = "avfoundation"
		if device == "" {
			device = ":0"
		}
	case "linux":
		driver = "pulse"
		if device == "" {
			device = "default"
		}
	default:
		return nil, fmt.Errorf("microphone capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
	channels := format.Channels
	if channels <= 0 {
		channels = 1
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", driver, "-i", device,
		"-ac", strconv.Itoa(channels), "-ar", strconv.Itoa(format.SampleRate),
		"-f", "s16le", "-",
	}, nil
}

// FFmpegSource reads s16le samples from a running ffmpeg process.
type FFmpegSource struct {
	cmd *exec.Cmd
	r   io.Reader

	buf       []byte
	closeOnce sync.Once
}

func (s *FFmpegSource) Read(frame []float32) (int, error) {
	if s == nil || s.r == nil {
		return 0, io.EOF
	}
	need := len(frame) * 2
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	buf := s.buf[:need]
	n, err := io.ReadFull(s.r, buf)
	samples := audio.Samples(audio.DecodePCM16(buf[:n-n%2]))
	copy(frame, samples)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return len(samples), err
}

func (s *FFmpegSource) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
			_ = s.cmd.Wait()
		}
	})
	return nil
}
