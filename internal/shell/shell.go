// Package shell prepares shell spawn specifications: it detects the user's
// login shell and composes the command line, environment, and temporary
// rc-file wrappers that load the user's own configuration and then the Cove
// integration script (OSC 133 / OSC 7 emitters).
//
// The PTY core consumes the resulting SpawnSpec as an opaque command; all
// shell-specific knowledge lives here.
package shell

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

//go:embed integration/bash.sh integration/zsh.sh integration/fish.sh
var integrationFS embed.FS

// Type identifies a supported shell flavor.
type Type string

const (
	Bash Type = "bash"
	Zsh  Type = "zsh"
	Fish Type = "fish"
)

// SpawnSpec is everything needed to start a shell with integration enabled.
type SpawnSpec struct {
	Path string
	Args []string
	Env  []string
	Dir  string

	// TempFiles were written for this spawn (rc wrappers) and should be
	// removed once the session ends, in order. Directories come last.
	TempFiles []string
}

// LoginShell returns the user's login shell, preferring /etc/passwd over
// $SHELL, falling back to /bin/bash.
func LoginShell() string {
	if sh := passwdShell(); sh != "" {
		return sh
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/bash"
}

func passwdShell() string {
	user := os.Getenv("USER")
	if user == "" {
		return ""
	}
	data, err := os.ReadFile("/etc/passwd")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Split(line, ":")
		if len(fields) >= 7 && fields[0] == user {
			if _, err := os.Stat(fields[6]); err == nil {
				return fields[6]
			}
		}
	}
	return ""
}

// DetectType classifies a shell by its executable name. Unknown shells are
// treated as bash-compatible.
func DetectType(shellPath string) Type {
	switch filepath.Base(shellPath) {
	case "zsh":
		return Zsh
	case "fish":
		return Fish
	default:
		return Bash
	}
}

// IntegrationScript returns the embedded integration script for a shell type.
func IntegrationScript(t Type) string {
	name := "integration/bash.sh"
	switch t {
	case Zsh:
		name = "integration/zsh.sh"
	case Fish:
		name = "integration/fish.sh"
	}
	data, err := integrationFS.ReadFile(name)
	if err != nil {
		// The files are compiled in; a miss is a programming error.
		panic(fmt.Sprintf("shell: missing embedded script %s: %v", name, err))
	}
	return string(data)
}

// Prepare composes a SpawnSpec for the given shell and working directory.
// An empty shellPath selects the user's login shell.
func Prepare(shellPath, workDir string) (*SpawnSpec, error) {
	if shellPath == "" {
		shellPath = LoginShell()
	}
	shellType := DetectType(shellPath)

	spec := &SpawnSpec{
		Path: shellPath,
		Dir:  workDir,
		Env: append(os.Environ(),
			"TERM=xterm-256color",
			"TERM_PROGRAM=Cove",
			"TERM_PROGRAM_VERSION=0.1.0",
		),
	}

	switch shellType {
	case Bash:
		if err := prepareBash(spec); err != nil {
			return nil, err
		}
	case Zsh:
		if err := prepareZsh(spec); err != nil {
			return nil, err
		}
	case Fish:
		spec.Args = []string{"--login", "--init-command", IntegrationScript(Fish)}
	}

	return spec, nil
}

// prepareBash writes a wrapper rcfile that sources the user's ~/.bashrc and
// then the integration script, passed via --rcfile.
func prepareBash(spec *SpawnSpec) error {
	home := homeDir()
	rc := fmt.Sprintf(`# Source the user's bashrc first.
if [ -f %q ]; then
    source %q
fi
%s`, filepath.Join(home, ".bashrc"), filepath.Join(home, ".bashrc"), IntegrationScript(Bash))

	dir, err := os.MkdirTemp("", "cove-bash-")
	if err != nil {
		return fmt.Errorf("create rc dir: %w", err)
	}
	rcPath := filepath.Join(dir, "rcfile")
	if err := os.WriteFile(rcPath, []byte(rc), 0o600); err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("write rcfile: %w", err)
	}

	spec.Args = []string{"--rcfile", rcPath}
	spec.TempFiles = []string{rcPath, dir}
	return nil
}

// prepareZsh builds a temporary ZDOTDIR whose startup files delegate to the
// user's own and then load the integration script.
func prepareZsh(spec *SpawnSpec) error {
	home := homeDir()
	zdotdir, err := os.MkdirTemp("", "cove-zsh-")
	if err != nil {
		return fmt.Errorf("create zdotdir: %w", err)
	}

	passthrough := func(name string) string {
		user := filepath.Join(home, name)
		return fmt.Sprintf("if [ -f %q ]; then\n    source %q\nfi\n", user, user)
	}

	files := map[string]string{
		".zshenv":   passthrough(".zshenv"),
		".zprofile": passthrough(".zprofile"),
		".zlogin":   passthrough(".zlogin"),
		".zshrc": fmt.Sprintf("export ZDOTDIR=%q\n%s%s",
			home, passthrough(".zshrc"), IntegrationScript(Zsh)),
	}

	var written []string
	for name, content := range files {
		path := filepath.Join(zdotdir, name)
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			os.RemoveAll(zdotdir)
			return fmt.Errorf("write %s: %w", name, err)
		}
		written = append(written, path)
	}

	spec.Args = []string{"--login"}
	spec.Env = append(spec.Env, "ZDOTDIR="+zdotdir)
	spec.TempFiles = append(written, zdotdir)
	return nil
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "/root"
}
