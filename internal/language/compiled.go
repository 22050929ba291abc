package language

import (
	"path/filepath"
	"strings"
)

// Go configures execution of Go code. `go run` compiles internally, so no
// separate compile step is needed; the build cache lands on the /tmp tmpfs.
type Go struct{}

func (g *Go) Name() string { return "go" }

func (g *Go) Image() string { return "docker.io/library/golang:1.24-alpine" }

func (g *Go) FileExtension() string { return ".go" }

func (g *Go) CompileCommand(string) []string { return nil }

func (g *Go) RunCommand(srcPath string) []string {
	return []string{"go", "run", srcPath}
}

// Cpp configures compilation and execution of C++ code.
type Cpp struct{}

func (c *Cpp) Name() string { return "cpp" }

func (c *Cpp) Image() string { return "docker.io/library/gcc:13" }

func (c *Cpp) FileExtension() string { return ".cpp" }

func (c *Cpp) CompileCommand(srcPath string) []string {
	return []string{"g++", "-O2", "-std=c++17", "-o", "/tmp/program", srcPath}
}

func (c *Cpp) RunCommand(string) []string {
	return []string{"/tmp/program"}
}

// Java configures compilation and execution of Java code. The main class
// name is derived from the source file name, so the caller-provided entry
// name must match the public class.
type Java struct{}

func (j *Java) Name() string { return "java" }

func (j *Java) Image() string { return "docker.io/library/eclipse-temurin:21-jdk" }

func (j *Java) FileExtension() string { return ".java" }

func (j *Java) CompileCommand(srcPath string) []string {
	return []string{"javac", "-d", "/tmp/classes", srcPath}
}

func (j *Java) RunCommand(srcPath string) []string {
	class := strings.TrimSuffix(filepath.Base(srcPath), ".java")
	return []string{"java", "-cp", "/tmp/classes", class}
}
