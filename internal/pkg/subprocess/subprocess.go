// Copyright 2024 Bloomberg Finance L.P
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package subprocess provides functionality to execute system commands.
package subprocess

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	log "github.com/golang/glog"
)

// ExitError reports a command that ran to completion with a non-zero exit
// code.
type ExitError struct {
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("subprocess exited with code %d", e.ExitCode)
}

// Result holds the outcome of a finished subprocess.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Executor runs commands on the local system.
type Executor interface {
	// Execute runs args to completion, capturing stdout and stderr.
	// env entries of the form KEY=VALUE are overlaid on the process
	// environment; a nil env inherits it unchanged.
	Execute(ctx context.Context, args, env []string) (Result, error)
}

// SystemExecutor uses the native os/exec package to execute subprocesses.
type SystemExecutor struct{}

// Execute runs the given command and returns its captured output. A
// non-zero exit is reported both in Result.ExitCode and as an *ExitError so
// callers can distinguish startup failures from command failures.
func (SystemExecutor) Execute(ctx context.Context, args, env []string) (Result, error) {
	if len(args) < 1 {
		return Result{}, errors.New("command must have at least 1 argument")
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		log.V(2).Infof("Executed command %v\n >> stdout=%v\n >> stderr=%v\n >> err=%v", args, res.Stdout, res.Stderr, err)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &ExitError{ExitCode: res.ExitCode}
		}
		return res, err
	}
	return res, nil
}

// ExecutePassthrough runs args with stdin, stdout and stderr connected to
// the current process, returning the child's exit code. Used for the local
// fallback path where the command's output belongs to the user.
func ExecutePassthrough(ctx context.Context, args []string) (int, error) {
	if len(args) < 1 {
		return 1, errors.New("command must have at least 1 argument")
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 1, err
	}
	return 0, nil
}
