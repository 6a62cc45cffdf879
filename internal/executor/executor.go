// Package executor runs the code blocks agents write in their messages and
// reports the outcome in the format the conversation expects back.
package executor

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/seenimoa/autostock/internal/config"
)

// ErrDockerUnsupported is returned when a configuration asks for container execution.
var ErrDockerUnsupported = errors.New("executor: docker execution is not supported")

// timeoutExitCode is the exit code reported for blocks killed by the timeout,
// the same code coreutils timeout(1) uses.
const timeoutExitCode = 124

// CodeBlock is one fenced block found in a message.
type CodeBlock struct {
	Lang string
	Code string
}

// Result is the outcome of running a message's code blocks.
type Result struct {
	ExitCode int
	Output   string
}

// Succeeded reports a zero exit code.
func (r Result) Succeeded() bool { return r.ExitCode == 0 }

// String formats the result as the reply sent back to the code's author.
func (r Result) String() string {
	status := "execution succeeded"
	if !r.Succeeded() {
		status = "execution failed"
	}
	return fmt.Sprintf("exitcode: %d (%s)\nCode output: %s", r.ExitCode, status, r.Output)
}

// Executor runs code blocks.
type Executor interface {
	Execute(ctx context.Context, blocks []CodeBlock) (Result, error)
}

// ════════════════════════════════════════════════════════════════════
// Extraction
// ════════════════════════════════════════════════════════════════════

var codeBlockRe = regexp.MustCompile("(?s)```[ \\t]*([\\w+-]+)?[ \\t]*\\r?\\n(.*?)\\r?\\n[ \\t]*```")

// ExtractCodeBlocks returns the fenced code blocks in text, in order.
// Blocks without a language tag get one inferred from their content.
func ExtractCodeBlocks(text string) []CodeBlock {
	matches := codeBlockRe.FindAllStringSubmatch(text, -1)
	blocks := make([]CodeBlock, 0, len(matches))
	for _, m := range matches {
		code := m[2]
		if strings.TrimSpace(code) == "" {
			continue
		}
		lang := strings.ToLower(m[1])
		if lang == "" {
			lang = InferLang(code)
		}
		blocks = append(blocks, CodeBlock{Lang: lang, Code: code})
	}
	return blocks
}

var shellPrefixes = []string{"#!", "pip ", "pip3 ", "python ", "python3 ", "cd ", "ls", "echo ", "mkdir ", "export "}

// InferLang guesses the language of an untagged block.
func InferLang(code string) string {
	trimmed := strings.TrimSpace(code)
	for _, p := range shellPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return "sh"
		}
	}
	if strings.HasPrefix(trimmed, "package ") {
		return "go"
	}
	return "python"
}

// ════════════════════════════════════════════════════════════════════
// Local execution
// ════════════════════════════════════════════════════════════════════

// LocalExecutor writes each block into WorkDir and runs it with the matching
// interpreter, stopping at the first failing block. Go blocks go to the
// embedded interpreter when one is set.
type LocalExecutor struct {
	WorkDir string
	Timeout time.Duration
	Go      *YaegiExecutor

	logger   *zap.Logger
	lookPath func(string) (string, error)
}

// NewLocalExecutor creates an executor rooted at workDir.
func NewLocalExecutor(workDir string, timeout time.Duration, logger *zap.Logger) *LocalExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &LocalExecutor{
		WorkDir:  workDir,
		Timeout:  timeout,
		Go:       NewYaegiExecutor(),
		logger:   logger,
		lookPath: exec.LookPath,
	}
}

// NewFromConfig builds the executor described by cfg. workDir overrides
// cfg.WorkDir when set.
func NewFromConfig(cfg config.ExecutorConfig, workDir string, logger *zap.Logger) (*LocalExecutor, error) {
	if cfg.UseDocker {
		return nil, ErrDockerUnsupported
	}
	if workDir == "" {
		workDir = cfg.WorkDir
	}
	return NewLocalExecutor(workDir, time.Duration(cfg.TimeoutSec)*time.Second, logger), nil
}

// Execute runs blocks in order. Output of all executed blocks is joined; the
// exit code is that of the last block run.
func (e *LocalExecutor) Execute(ctx context.Context, blocks []CodeBlock) (Result, error) {
	if err := os.MkdirAll(e.WorkDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("executor: create work dir: %w", err)
	}

	var outputs []string
	result := Result{}
	for i, b := range blocks {
		e.logger.Debug("executing code block",
			zap.Int("index", i), zap.String("lang", b.Lang), zap.Int("bytes", len(b.Code)))

		var r Result
		switch b.Lang {
		case "python", "py", "python3":
			r = e.runScript(ctx, b.Code, ".py", e.python())
		case "sh", "bash", "shell", "console":
			r = e.runScript(ctx, b.Code, ".sh", e.shell())
		case "go", "golang":
			if e.Go == nil {
				r = Result{ExitCode: 1, Output: "unknown language go"}
				break
			}
			r = e.Go.Run(ctx, b.Code, e.Timeout)
		default:
			r = Result{ExitCode: 1, Output: "unknown language " + b.Lang}
		}

		outputs = append(outputs, r.Output)
		result.ExitCode = r.ExitCode
		if !r.Succeeded() {
			e.logger.Info("code block failed", zap.Int("index", i), zap.Int("exit_code", r.ExitCode))
			break
		}
	}
	result.Output = strings.Join(outputs, "\n")
	return result, nil
}

func (e *LocalExecutor) python() string {
	for _, name := range []string{"python3", "python"} {
		if p, err := e.lookPath(name); err == nil {
			return p
		}
	}
	return "python3"
}

func (e *LocalExecutor) shell() string {
	if p, err := e.lookPath("bash"); err == nil {
		return p
	}
	return "sh"
}

// runScript writes code to tmp_code_<md5><ext> in the work dir and runs it
// there, so relative paths in the code land in the work dir.
func (e *LocalExecutor) runScript(ctx context.Context, code, ext, interpreter string) Result {
	sum := md5.Sum([]byte(code))
	name := "tmp_code_" + hex.EncodeToString(sum[:]) + ext
	path := filepath.Join(e.WorkDir, name)
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		return Result{ExitCode: 1, Output: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, interpreter, name)
	cmd.Dir = e.WorkDir
	out, err := cmd.CombinedOutput()
	output := string(out)

	if ctx.Err() == context.DeadlineExceeded {
		return Result{ExitCode: timeoutExitCode, Output: output + "\nTimeout"}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{ExitCode: exitErr.ExitCode(), Output: output}
		}
		return Result{ExitCode: 1, Output: output + err.Error()}
	}
	return Result{ExitCode: 0, Output: output}
}
