package archive

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const maxLineBytes = 4 << 20

// errStopped is returned by a line callback to end a conversion early.
var errStopped = errors.New("archive: conversion stopped")

// BGPDump runs the bgpdump converter in one-line-per-route mode.
type BGPDump struct {
	Path string
}

// Lines converts file and hands every output line to fn. A non-nil error
// from fn stops the converter and is returned unchanged.
func (b BGPDump) Lines(ctx context.Context, file string, fn func(line string) error) error {
	bin := b.Path
	if bin == "" {
		bin = "bgpdump"
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, "-m", "-v", file)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", bin, err)
	}

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	var cbErr error
	for sc.Scan() {
		if cbErr = fn(sc.Text()); cbErr != nil {
			break
		}
	}
	scanErr := sc.Err()
	if cbErr != nil {
		cancel()
		_ = cmd.Wait()
		return cbErr
	}
	if scanErr != nil {
		cancel()
		_ = cmd.Wait()
		return fmt.Errorf("reading %s output for %s: %w", bin, file, scanErr)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", bin, file, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
