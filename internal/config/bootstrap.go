package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Bootstrap prepares the workspace directory and engine state files.
//
// It expands the workspace dir, reuses or mints the engine connection
// token (`.token`), kills a stale engine recorded in `.pid`, writes the
// current pid, and probes for conda.
//
// Returns the engine connection token.
func Bootstrap(cfg *Config, log zerolog.Logger) (string, error) {
	dir, err := expandHome(cfg.WorkspaceDir)
	if err != nil {
		return "", err
	}
	cfg.WorkspaceDir = dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace dir: %w", err)
	}

	token := readToken(dir)
	if token == "" {
		token = uuid.NewString()
		if err := os.WriteFile(filepath.Join(dir, ".token"), []byte(token), 0o600); err != nil {
			log.Error().Err(err).Msg("Failed to save .token file")
		}
	}

	killStaleEngine(dir, log)
	if err := os.WriteFile(filepath.Join(dir, ".pid"), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		log.Error().Err(err).Msg("Failed to save .pid file")
	}

	probeConda(cfg, log)
	return token, nil
}

func readToken(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, ".token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// killStaleEngine kills the engine recorded in the .pid file, if any.
// A previous engine still bound to the port would otherwise block startup.
func killStaleEngine(dir string, log zerolog.Logger) {
	pidFile := filepath.Join(dir, ".pid")
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 || pid == os.Getpid() {
		return
	}
	log.Info().Int("pid", pid).Msg("Trying to kill last engine process")
	if err := syscall.Kill(pid, syscall.SIGTERM); err == nil {
		// wait for a while to release the port
		time.Sleep(3 * time.Second)
	}
}

// probeConda detects conda on PATH and derives the activation template.
func probeConda(cfg *Config, log zerolog.Logger) {
	path, err := exec.LookPath("conda")
	if err != nil {
		cfg.CondaAvailable = false
		cfg.CondaActivate = "%s"
		log.Warn().Msg("Running without conda, some plugins may fail to install")
		return
	}
	cfg.CondaAvailable = true
	prefix := filepath.Dir(filepath.Dir(path))
	switch runtime.GOOS {
	case "linux":
		cfg.CondaActivate = "/bin/bash -c 'source " + prefix + "/bin/activate %s'"
	case "darwin":
		cfg.CondaActivate = "source activate %s"
	default:
		cfg.CondaActivate = "conda activate %s"
	}
	log.Info().Str("conda", path).Msg("Found conda environment")
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
