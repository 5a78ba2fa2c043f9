package testutils

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
)

var multiSpaceRegex = regexp.MustCompile(" +")

// RunPkgworker executes a pkgworker command with the given arguments string (split by spaces).
// Use RunPkgworkerArgs when arguments contain spaces that should be preserved.
func RunPkgworker(ctx context.Context, env []string, binary, cmdArgs string, nolog bool) (stdout, stderr []byte, err error) {
	// Sanitize command.
	cmdArgs = strings.TrimSpace(cmdArgs)
	cmdArgs = multiSpaceRegex.ReplaceAllString(cmdArgs, " ")

	// Split into args.
	var args []string
	if cmdArgs != "" {
		args = strings.Split(cmdArgs, " ")
	}

	return RunPkgworkerArgs(ctx, env, binary, args, nolog)
}

// RunPkgworkerArgs executes a pkgworker command with pre-split arguments.
func RunPkgworkerArgs(ctx context.Context, env []string, binary string, args []string, nolog bool) (stdout, stderr []byte, err error) {
	var outData, errData bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = &outData
	cmd.Stderr = &errData
	cmd.Env = commandEnv(env, nolog)

	err = cmd.Run()

	return outData.Bytes(), errData.Bytes(), err
}

// Process is a running pkgworker process driven through its stdio.
type Process struct {
	Cmd    *exec.Cmd
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr *bytes.Buffer
}

// StartPkgworker starts a long running pkgworker command (e.g serve) and returns its stdio.
func StartPkgworker(ctx context.Context, env []string, binary string, args []string, nolog bool) (*Process, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = commandEnv(env, nolog)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("could not get stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("could not get stdout: %w", err)
	}
	var errData bytes.Buffer
	cmd.Stderr = &errData

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("could not start pkgworker: %w", err)
	}

	return &Process{Cmd: cmd, Stdin: stdin, Stdout: stdout, Stderr: &errData}, nil
}

func commandEnv(env []string, nolog bool) []string {
	// Set env: os.Environ() first, then custom env overrides on top.
	// In Go's exec.Cmd, when duplicate keys exist, the last one wins.
	newEnv := append([]string{}, os.Environ()...)
	newEnv = append(newEnv, env...)
	if nolog {
		newEnv = append(newEnv, "PKGWORKER_NO_LOG=true")
	}
	return newEnv
}
