package session

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/errdefs"
	"github.com/isdmx/sandboxd/sandbox"
)

// Language names accepted by RunCode.
const (
	LanguagePython = "python"
	LanguageNodeJS = "nodejs"
	LanguageGo     = "go"
	LanguageCPP    = "cpp"
	LanguageShell  = "shell"
)

// codeDir holds snippets written by RunCode, relative to the sandbox workdir.
const codeDir = ".sandboxd"

type languageSpec struct {
	filename string
	// run is a shell command; %[1]s is the snippet file, %[2]s its directory.
	run string
}

var languages = map[string]languageSpec{
	LanguagePython: {filename: "main.py", run: "python3 %[1]s"},
	LanguageNodeJS: {filename: "index.js", run: "node %[1]s"},
	LanguageGo:     {filename: "main.go", run: "go run %[1]s"},
	LanguageCPP:    {filename: "main.cpp", run: "g++ -std=c++17 -O2 -o %[2]s/app %[1]s && %[2]s/app"},
	LanguageShell:  {filename: "main.sh", run: "sh %[1]s"},
}

// Execution is the outcome of RunCode.
type Execution struct {
	Text     string `json:"text"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	OK       bool   `json:"ok"`
}

// SupportedLanguages lists the languages RunCode accepts.
func SupportedLanguages() []string {
	return []string{LanguagePython, LanguageNodeJS, LanguageGo, LanguageCPP, LanguageShell}
}

// RunCode writes code to a scratch file in the sandbox and runs it with the
// interpreter or toolchain for language. An empty language means python.
func (s *Session) RunCode(ctx context.Context, language, code string, opts ...RunOption) (Execution, error) {
	if language == "" {
		language = LanguagePython
	}
	spec, ok := languages[strings.ToLower(language)]
	if !ok {
		return Execution{}, errdefs.Annotate(s.id, "run_code",
			fmt.Errorf("%w: language %q (supported: %s)", errdefs.ErrUnsupported, language, strings.Join(SupportedLanguages(), ", ")))
	}

	dir := path.Join(codeDir, uuid.NewString()[:8])
	file := path.Join(dir, spec.filename)
	if err := s.WriteText(ctx, file, code); err != nil {
		return Execution{}, err
	}

	opts = append([]RunOption{WithEnv(map[string]string{"PYTHONUNBUFFERED": "1"})}, opts...)
	res, err := s.Run(ctx, []string{"sh", "-c", fmt.Sprintf(spec.run, file, dir)}, opts...)
	if err != nil {
		return Execution{}, err
	}

	if rmErr := s.Remove(ctx, dir, true); rmErr != nil {
		s.logger.Debug("failed to clean up code directory", zap.String("dir", dir), zap.Error(rmErr))
	}

	return Execution{
		Text:     res.Text(),
		Stderr:   string(res.Stderr),
		ExitCode: res.ExitCode,
		OK:       res.ExitCode == 0,
	}, nil
}

// InstallPackage installs a Python package with pip.
func (s *Session) InstallPackage(ctx context.Context, spec string, opts ...RunOption) (sandbox.CommandResult, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return sandbox.CommandResult{}, errdefs.Annotate(s.id, "install_package", fmt.Errorf("%w: empty package spec", errdefs.ErrExec))
	}
	return s.Run(ctx, []string{"python", "-m", "pip", "install", "--no-input", spec}, opts...)
}
