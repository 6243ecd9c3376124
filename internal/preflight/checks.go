package preflight

import (
	"fmt"
	"os/exec"

	"github.com/cove-ide/cove/internal/models"
)

// CheckAll reports which known shells are installed and whether git is
// available. Cove runs without git; SCM decoration is simply disabled.
func CheckAll() ([]models.ShellStatus, bool) {
	gitOk := checkGit()
	shells := []models.ShellStatus{
		checkShell("bash"),
		checkShell("zsh"),
		checkShell("fish"),
	}

	if !gitOk {
		fmt.Println("⚠ git is not installed; branch and status decoration disabled.")
	}
	for _, sh := range shells {
		if sh.Installed {
			fmt.Printf("✓ %s found (%s)\n", sh.Name, sh.Path)
		}
	}

	return shells, gitOk
}

func checkGit() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

func checkShell(name string) models.ShellStatus {
	path, err := exec.LookPath(name)
	if err != nil {
		return models.ShellStatus{Name: name, Installed: false}
	}
	return models.ShellStatus{Name: name, Installed: true, Path: path}
}
