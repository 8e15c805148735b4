// Package `execx` provides utility functions that supplement the stdlib
// package `os/exec`.
//
// `LookTool()` and `MustLookTool()` reliably locate external command line
// tools during program startup.  `LookOptionalTool()` reports a missing tool
// as a nil `*Tool` instead of an error, for capabilities that a program can
// work without.
package execx

import (
	"fmt"
	"os/exec"
	"strings"
)

// `ToolSpec` tells the lookup functions how to find and verify an external
// tool: run `Program CheckArgs...` and confirm that the output contains
// `CheckText`.
type ToolSpec struct {
	Program   string
	CheckArgs []string
	CheckText string
}

type Tool struct {
	Path string
}

func LookTool(s ToolSpec) (*Tool, error) {
	path, err := exec.LookPath(s.Program)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to find path of `%s`: %v", s.Program, err,
		)
	}

	o, err := exec.Command(path, s.CheckArgs...).Output()
	if err != nil {
		return nil, fmt.Errorf(
			"failed to execute `%s %s`: %v", path,
			strings.Join(s.CheckArgs, " "), err,
		)
	}
	if !strings.Contains(string(o), s.CheckText) {
		return nil, fmt.Errorf(
			"`%s %s` did not print `%s`", s.Program,
			strings.Join(s.CheckArgs, " "), s.CheckText,
		)
	}

	return &Tool{Path: path}, nil
}

// `MustLookTool()` panics if the tool is missing or fails verification.  Use
// it for package-level tool variables of required tools.
func MustLookTool(s ToolSpec) *Tool {
	t, err := LookTool(s)
	if err != nil {
		panic(fmt.Sprintf("%v", err))
	}
	return t
}

// `LookOptionalTool()` returns `(nil, nil)` if the tool cannot be found in
// the path.  Verification failures of a tool that was found are still
// reported as errors.
func LookOptionalTool(s ToolSpec) (*Tool, error) {
	if _, err := exec.LookPath(s.Program); err != nil {
		return nil, nil
	}
	return LookTool(s)
}
