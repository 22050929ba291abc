package language

import (
	"fmt"
	"sort"
	"strings"
)

// Language defines how to build and run source code for one supported language.
type Language interface {
	// Name returns the language identifier (e.g., "python", "cpp").
	Name() string

	// Image returns the container image reference for this language.
	Image() string

	// FileExtension returns the source file extension (e.g., ".py").
	FileExtension() string

	// CompileCommand returns the compile step for the given source path,
	// or nil for interpreted languages.
	CompileCommand(srcPath string) []string

	// RunCommand returns the command that executes the (compiled) program.
	RunCommand(srcPath string) []string
}

// ExecArgv composes the full argv for one run. Compiled languages get a
// compile-and-run shell line so a compile failure surfaces on the same
// stream as a runtime failure.
func ExecArgv(l Language, srcPath string) []string {
	compile := l.CompileCommand(srcPath)
	if compile == nil {
		return l.RunCommand(srcPath)
	}
	line := strings.Join(compile, " ") + " && " + strings.Join(l.RunCommand(srcPath), " ")
	return []string{"/bin/sh", "-c", line}
}

// EntryName validates the requested entry file name for a language, or
// picks the default when none is given. Java defaults to Main.java because
// the file name dictates the main class.
func EntryName(l Language, requested string) (string, error) {
	if requested == "" {
		if l.Name() == "java" {
			return "Main.java", nil
		}
		return "main" + l.FileExtension(), nil
	}
	if strings.ContainsAny(requested, "/\\") || requested == "." || requested == ".." {
		return "", fmt.Errorf("invalid entry file name %q", requested)
	}
	if !strings.HasSuffix(requested, l.FileExtension()) {
		return "", fmt.Errorf("entry file %q must have extension %s", requested, l.FileExtension())
	}
	return requested, nil
}

// Registry maps language names to their Language implementations.
type Registry struct {
	languages map[string]Language
}

// NewRegistry creates a registry with all supported languages.
func NewRegistry() *Registry {
	r := &Registry{
		languages: make(map[string]Language),
	}
	r.Register(&Python{})
	r.Register(&Node{})
	r.Register(&Bash{})
	r.Register(&Go{})
	r.Register(&Cpp{})
	r.Register(&Java{})
	return r
}

// Register adds a language to the registry.
func (r *Registry) Register(l Language) {
	r.languages[l.Name()] = l
}

// Get returns the language for the given name.
func (r *Registry) Get(name string) (Language, error) {
	l, ok := r.languages[name]
	if !ok {
		return nil, fmt.Errorf("unsupported language: %q (supported: %s)", name, strings.Join(r.Names(), ", "))
	}
	return l, nil
}

// Names returns all registered language names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.languages))
	for name := range r.languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Images returns all container images needed by registered languages.
func (r *Registry) Images() []string {
	images := make([]string, 0, len(r.languages))
	for _, l := range r.languages {
		images = append(images, l.Image())
	}
	return images
}
