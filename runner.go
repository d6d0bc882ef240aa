//  Copyright 2023 Stealth Rocket, Inc.
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

package tprof

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// RunExternalProfile runs a binary compiled for profiling inside a
// private temporary directory, waits for it to drop a gmon.out there,
// and forwards gprof's analysis of that artifact to stdout. The
// temporary directory is removed regardless of the outcome.
func RunExternalProfile(target string, args []string, stdout, stderr io.Writer) error {
	if target == "" {
		return fmt.Errorf("profiling external target: no target path provided")
	}

	resolved, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("profiling external target: %w", err)
	}
	if _, err := os.Stat(resolved); err != nil {
		return fmt.Errorf("profiling external target: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "tprof")
	if err != nil {
		return fmt.Errorf("profiling external target: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	fmt.Fprintln(stdout, "================================================================================")
	fmt.Fprintln(stdout, "External Target Profiling")
	fmt.Fprintln(stdout, "================================================================================")
	fmt.Fprintf(stdout, "Target: %s\n", resolved)
	fmt.Fprintf(stdout, "Working directory: %s\n", tmpDir)

	cmd := exec.Command(resolved, args...)
	cmd.Dir = tmpDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("profiling external target %s: %w", resolved, err)
	}

	gmonPath := filepath.Join(tmpDir, "gmon.out")
	if _, err := os.Stat(gmonPath); err != nil {
		return fmt.Errorf("profiling external target %s: no gmon.out generated, compile the target with -pg", resolved)
	}

	fmt.Fprintf(stdout, "\nGenerated profile: %s\n\n", gmonPath)

	// gprof diagnostics go to the same stream as its report.
	gprof := exec.Command("gprof", resolved, gmonPath)
	gprof.Stdout = stdout
	gprof.Stderr = stdout
	if err := gprof.Run(); err != nil {
		return fmt.Errorf("running gprof on %s: %w", gmonPath, err)
	}
	return nil
}
