package host

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/23skdu/longbow-bindery/internal/deverr"
	"github.com/23skdu/longbow-bindery/internal/device"
)

// Compiler checks program source and reports its kernels. A non-nil error
// fails the build; log is returned to the caller either way.
type Compiler interface {
	Compile(source, options string) (kernels []string, log string, err error)
}

// CompilerFunc adapts a function to Compiler.
type CompilerFunc func(source, options string) ([]string, string, error)

func (f CompilerFunc) Compile(source, options string) ([]string, string, error) {
	return f(source, options)
}

var kernelRe = regexp.MustCompile(`__kernel\s+void\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

// SourceCompiler performs the structural checks a front end would: #error
// directives and unbalanced braces fail the build.
type SourceCompiler struct{}

func (SourceCompiler) Compile(source, options string) ([]string, string, error) {
	var log strings.Builder
	depth := 0
	for i, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#error") {
			fmt.Fprintf(&log, "<source>:%d: error: %s\n", i+1, strings.TrimSpace(strings.TrimPrefix(trimmed, "#error")))
			return nil, log.String(), fmt.Errorf("#error directive at line %d", i+1)
		}
		depth += strings.Count(line, "{") - strings.Count(line, "}")
		if depth < 0 {
			fmt.Fprintf(&log, "<source>:%d: error: unmatched '}'\n", i+1)
			return nil, log.String(), fmt.Errorf("unmatched brace at line %d", i+1)
		}
	}
	if depth != 0 {
		fmt.Fprintf(&log, "<source>: error: %d unclosed '{'\n", depth)
		return nil, log.String(), fmt.Errorf("unclosed brace")
	}

	var kernels []string
	for _, m := range kernelRe.FindAllStringSubmatch(source, -1) {
		kernels = append(kernels, m[1])
	}
	fmt.Fprintf(&log, "%d kernel(s) built", len(kernels))
	if options != "" {
		fmt.Fprintf(&log, " with %s", options)
	}
	return kernels, log.String(), nil
}

const binaryMagic = "LBHB"

// Program is a built host program. Its binary embeds the options and the
// source it was built from.
type Program struct {
	binary  []byte
	log     string
	kernels []string

	mu       sync.Mutex
	released bool
}

func (p *Program) Binary() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil, deverr.NewDeviceError("get program binary", deverr.CodeInvalidProgram)
	}
	return append([]byte(nil), p.binary...), nil
}

func (p *Program) BuildLog() string  { return p.log }
func (p *Program) Kernels() []string { return p.kernels }

func (p *Program) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return deverr.NewDeviceError("release program", deverr.CodeInvalidProgram)
	}
	p.released = true
	return nil
}

func checkOptions(options string) bool {
	for _, f := range strings.Fields(options) {
		if !strings.HasPrefix(f, "-") {
			return false
		}
	}
	return true
}

func (rt *Runtime) checkBuild(op string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return deverr.NewDeviceError(op, CodeRuntimeClosed)
	}
	return nil
}

func (rt *Runtime) Build(source, options string) (device.Program, error) {
	const op = "build program"
	if err := rt.checkBuild(op); err != nil {
		return nil, err
	}
	if !checkOptions(options) {
		return nil, deverr.NewDeviceError(op, deverr.CodeInvalidBuildOptions)
	}
	rt.dev.builds.Add(1)

	kernels, log, err := rt.dev.compiler.Compile(source, options)
	if err != nil {
		if log == "" {
			log = err.Error()
		}
		return nil, &deverr.BuildError{Code: deverr.CodeBuildProgramFailure, Log: log}
	}
	return &Program{
		binary:  encodeBinary(options, source),
		log:     log,
		kernels: kernels,
	}, nil
}

// LinkBinary recreates a program from a binary made by Build on any host
// device.
func (rt *Runtime) LinkBinary(bin []byte, options string) (device.Program, error) {
	const op = "create program with binary"
	if err := rt.checkBuild(op); err != nil {
		return nil, err
	}
	builtWith, source, ok := decodeBinary(bin)
	if !ok {
		return nil, deverr.NewDeviceError(op, deverr.CodeInvalidBinary)
	}
	if builtWith != options {
		return nil, deverr.NewDeviceError(op, deverr.CodeInvalidBuildOptions)
	}
	kernels, log, err := rt.dev.compiler.Compile(source, options)
	if err != nil {
		return nil, &deverr.BuildError{Code: deverr.CodeLinkProgramFailure, Log: log}
	}
	rt.dev.links.Add(1)
	return &Program{binary: append([]byte(nil), bin...), log: log, kernels: kernels}, nil
}

func encodeBinary(options, source string) []byte {
	var buf bytes.Buffer
	buf.WriteString(binaryMagic)
	binary.Write(&buf, binary.LittleEndian, uint32(len(options)))
	buf.WriteString(options)
	binary.Write(&buf, binary.LittleEndian, uint32(len(source)))
	buf.WriteString(source)
	return buf.Bytes()
}

func decodeBinary(b []byte) (options, source string, ok bool) {
	if !bytes.HasPrefix(b, []byte(binaryMagic)) {
		return "", "", false
	}
	b = b[len(binaryMagic):]
	next := func() (string, bool) {
		if len(b) < 4 {
			return "", false
		}
		n := int(binary.LittleEndian.Uint32(b))
		b = b[4:]
		if n > len(b) {
			return "", false
		}
		s := string(b[:n])
		b = b[n:]
		return s, true
	}
	if options, ok = next(); !ok {
		return "", "", false
	}
	if source, ok = next(); !ok {
		return "", "", false
	}
	return options, source, len(b) == 0
}
