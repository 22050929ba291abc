package language

// Python configures execution of Python code.
type Python struct{}

func (p *Python) Name() string { return "python" }

func (p *Python) Image() string { return "docker.io/library/python:3.12-slim" }

func (p *Python) FileExtension() string { return ".py" }

func (p *Python) CompileCommand(string) []string { return nil }

func (p *Python) RunCommand(srcPath string) []string {
	return []string{
		"python3", "-u", // Unbuffered output
		"-B", // Don't write .pyc files
		srcPath,
	}
}

// Node configures execution of JavaScript code on Node.js.
type Node struct{}

func (n *Node) Name() string { return "javascript" }

func (n *Node) Image() string { return "docker.io/library/node:20-slim" }

func (n *Node) FileExtension() string { return ".js" }

func (n *Node) CompileCommand(string) []string { return nil }

func (n *Node) RunCommand(srcPath string) []string {
	return []string{
		"node",
		"--max-old-space-size=256", // Limit V8 heap
		"--disallow-code-generation-from-strings", // Block eval()
		srcPath,
	}
}

// Bash configures execution of shell scripts.
type Bash struct{}

func (b *Bash) Name() string { return "bash" }

func (b *Bash) Image() string { return "docker.io/library/alpine:3.19" }

func (b *Bash) FileExtension() string { return ".sh" }

func (b *Bash) CompileCommand(string) []string { return nil }

func (b *Bash) RunCommand(srcPath string) []string {
	return []string{
		"/bin/sh",
		"-e", // Exit on error
		"-u", // Treat unset variables as error
		srcPath,
	}
}
