package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	transcriptName      = "pgloader.log"
	errorTranscriptName = "pgloader_error.log"
	transcriptTailBytes = 64 * 1024
)

// EngineResult summarizes one engine run.
type EngineResult struct {
	ExitCode int
	LogPath  string
	Tail     string // last bytes of the transcript
	Tables   map[string]ProgressEvent
}

// runEngine follows the engine container's output until it exits, feeding
// the observer and persisting the full transcript under workDir. onEvent is
// called for every progress event. Raw lines are copied to echo when it is
// non-nil.
func runEngine(ctx context.Context, rt ContainerRuntime, h *EngineHandle, obs *progressObserver, workDir string, onEvent func(ProgressEvent), echo io.Writer) (*EngineResult, error) {
	partial := filepath.Join(workDir, transcriptName+".partial")
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create transcript: %w", err)
	}

	logs, err := rt.Logs(ctx, h.Container)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("follow engine output: %w", err)
	}
	defer logs.Close()

	var sink io.Writer = f
	if echo != nil {
		sink = io.MultiWriter(f, echo)
	}

	res := &EngineResult{ExitCode: -1, Tables: make(map[string]ProgressEvent)}
	var waitErr error
	exit := func() (int, error) {
		res.ExitCode, waitErr = rt.Wait(ctx, h.Container)
		return res.ExitCode, waitErr
	}

	for ev := range obs.Observe(io.TeeReader(logs, sink), exit) {
		res.Tables[ev.Table] = ev
		if onEvent != nil {
			onEvent(ev)
		}
	}

	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close transcript: %w", err)
	}

	success := waitErr == nil && res.ExitCode == 0
	name := transcriptName
	if !success {
		name = errorTranscriptName
	}
	res.LogPath = filepath.Join(workDir, name)
	if err := os.Rename(partial, res.LogPath); err != nil {
		return nil, fmt.Errorf("save transcript: %w", err)
	}
	res.Tail, _ = readTail(res.LogPath, transcriptTailBytes)

	if ctx.Err() != nil {
		return res, fmt.Errorf("engine run interrupted: %w", ErrCancelled)
	}
	if waitErr != nil {
		return res, fmt.Errorf("wait for engine: %w", waitErr)
	}
	if res.ExitCode != 0 {
		return res, &EngineExecutionError{
			ExitCode: res.ExitCode,
			LogPath:  res.LogPath,
			Hint:     engineFailureHint(res.Tail),
		}
	}
	return res, nil
}

// readTail returns up to n bytes from the end of the file at path.
func readTail(path string, n int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	off := info.Size() - n
	if off < 0 {
		off = 0
	}
	buf := make([]byte, info.Size()-off)
	if _, err := f.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return string(buf), nil
}
