//go:build e2e

package e2e

import (
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

var (
	clientBinPath string
	serverBinPath string
)

func TestMain(m *testing.M) {
	// 1. Build the binaries
	var err error
	clientBinPath, err = build("chatsync-e2e", "..")
	if err != nil {
		log.Fatalf("Failed to build client: %v", err)
	}
	defer func() { _ = os.Remove(clientBinPath) }()

	serverBinPath, err = build("chatsync-devserver-e2e", "../cmd/devserver")
	if err != nil {
		log.Fatalf("Failed to build dev server: %v", err)
	}
	defer func() { _ = os.Remove(serverBinPath) }()

	// 2. Run tests
	code := m.Run()

	os.Exit(code)
}

func build(name, pkg string) (string, error) {
	binPath := filepath.Join(os.TempDir(), name)

	cmd := exec.Command("go", "build", "-o", binPath, pkg)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return binPath, nil
}
