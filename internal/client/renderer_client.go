package client

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/frameforge/api/internal/config"
)

// RenderInput describes one render invocation.
type RenderInput struct {
	JobID        string
	ManifestPath string
	WorkDir      string
	Format       string
	Width        int
	Height       int
	FPS          int
	TotalFrames  int
}

// OutputPath is where the renderer writes its artifact.
func (in RenderInput) OutputPath() string {
	return filepath.Join(in.WorkDir, "output."+in.Format)
}

// Renderer executes a render job and reports frame progress through the
// callback. Cancellation is cooperative: implementations check ctx at
// their own checkpoints and are never force-killed mid-frame by the core.
type Renderer interface {
	Render(ctx context.Context, in RenderInput, onFrame func(frame int)) (string, error)
}

// NewRenderer returns the subprocess renderer, or a mock when no binary
// is configured (development fallback).
func NewRenderer(cfg *config.RendererConfig) Renderer {
	if cfg == nil || cfg.Binary == "" {
		log.Println("Info: renderer binary not configured, using mock renderer")
		return &MockRenderer{FrameDelay: 20 * time.Millisecond}
	}
	return &ExecRenderer{binary: cfg.Binary, args: cfg.Args}
}

// ExecRenderer shells out to the render/encode binary. The subprocess
// prints "frame=N" lines on stdout; each one becomes a progress callback.
type ExecRenderer struct {
	binary string
	args   []string
}

func (r *ExecRenderer) Render(ctx context.Context, in RenderInput, onFrame func(frame int)) (string, error) {
	outPath := in.OutputPath()

	args := append([]string{}, r.args...)
	args = append(args,
		"--manifest", in.ManifestPath,
		"--size", fmt.Sprintf("%dx%d", in.Width, in.Height),
		"--fps", strconv.Itoa(in.FPS),
		"--frames", strconv.Itoa(in.TotalFrames),
		"--output", outPath,
	)

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = in.WorkDir
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open renderer stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start renderer: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if frame, ok := parseFrameLine(scanner.Text()); ok {
			onFrame(frame)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("renderer exited: %w", err)
	}

	if _, err := os.Stat(outPath); err != nil {
		return "", fmt.Errorf("renderer produced no output: %w", err)
	}
	return outPath, nil
}

// parseFrameLine extracts N from a "frame=N" progress line.
func parseFrameLine(line string) (int, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "frame=") {
		return 0, false
	}
	frame, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "frame=")))
	if err != nil {
		return 0, false
	}
	return frame, true
}

// MockRenderer drives the full stage machine with synthetic frames.
type MockRenderer struct {
	FrameDelay time.Duration
}

func (r *MockRenderer) Render(ctx context.Context, in RenderInput, onFrame func(frame int)) (string, error) {
	total := in.TotalFrames
	if total <= 0 {
		total = 150
	}

	for frame := 0; frame <= total; frame++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		onFrame(frame)
		if r.FrameDelay > 0 {
			time.Sleep(r.FrameDelay)
		}
	}

	outPath := in.OutputPath()
	if err := os.WriteFile(outPath, []byte("mock render artifact"), 0o644); err != nil {
		return "", fmt.Errorf("failed to write mock output: %w", err)
	}
	return outPath, nil
}
