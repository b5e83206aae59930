// Package supervisor owns the lifecycle of native subprocess plugins:
// repository cloning, environment preparation, dependency installation,
// worker launch, monitoring, and graceful-then-forced termination.
package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Repo is one `repo:<url> [dir]` requirement resolved against a work dir.
type Repo struct {
	URL string
	Dir string
}

// ParseRepos extracts repository requirements.
func ParseRepos(requirements []string, workDir string) []Repo {
	repos := make([]Repo, 0)
	for _, req := range requirements {
		typ, rest, ok := strings.Cut(req, ":")
		if !ok {
			continue
		}
		typ = strings.TrimSpace(typ)
		if typ != "repo" {
			continue
		}
		libs := strings.Fields(strings.TrimSpace(rest))
		if len(libs) == 0 {
			continue
		}
		name := strings.TrimSuffix(filepath.Base(libs[0]), ".git")
		dir := name
		if len(libs) > 1 {
			dir = libs[1]
		}
		repos = append(repos, Repo{URL: libs[0], Dir: filepath.Join(workDir, dir)})
	}
	return repos
}

// ParseRequirements turns requirement entries into shell commands.
//
//	conda:X       -> conda install -y X   (only when conda is available)
//	pip:X         -> pip install X
//	repo:...      -> handled by the clone phase
//	cmd:X         -> X verbatim
//	vcs/url-like  -> pip install <raw>
//	bare item     -> pip install <item>
//	other type:X  -> error (unsupported requirement type)
func ParseRequirements(requirements []string, condaAvailable bool) ([]string, error) {
	commands := make([]string, 0, len(requirements))
	for _, req := range requirements {
		req = strings.TrimSpace(req)
		if req == "" {
			continue
		}
		typ, rest, ok := strings.Cut(req, ":")
		if !ok {
			commands = append(commands, "pip install "+req)
			continue
		}
		typ = strings.TrimSpace(typ)
		libs := strings.Fields(strings.TrimSpace(rest))
		switch {
		case typ == "conda" && len(libs) > 0:
			if condaAvailable {
				commands = append(commands, "conda install -y "+strings.Join(libs, " "))
			}
		case typ == "pip" && len(libs) > 0:
			commands = append(commands, "pip install "+strings.Join(libs, " "))
		case typ == "repo":
			// cloned before installation
		case typ == "cmd" && len(libs) > 0:
			commands = append(commands, strings.Join(libs, " "))
		case strings.Contains(typ, "+") || strings.HasPrefix(typ, "http"):
			commands = append(commands, "pip install "+req)
		default:
			return nil, fmt.Errorf("unsupported requirement type: %s", typ)
		}
	}
	return commands, nil
}

// EnvEntry is one parsed env requirement: either a raw shell command or a
// typed entry ({type: gputil|variable, options}).
type EnvEntry struct {
	Command string
	Type    string
	Options map[string]any
}

// EnvResult is the outcome of ParseEnv.
type EnvResult struct {
	// VenvName is the conda environment to activate, empty when none
	VenvName string

	// Entries are the env steps to run in order
	Entries []EnvEntry
}

// ParseEnv normalises plugin env entries. `conda create` commands are
// repaired: a missing -n/--name gets the derived default env name and -y
// is injected; `conda env create -f FILE` reads the env name from FILE.
func ParseEnv(raw any, workDir, defaultEnvName string, condaAvailable bool) (*EnvResult, error) {
	result := &EnvResult{}
	if raw == nil {
		return result, nil
	}

	var entries []any
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return result, nil
		}
		entries = []any{v}
	case []any:
		entries = v
	case []string:
		for _, s := range v {
			entries = append(entries, s)
		}
	case map[string]any:
		entries = []any{v}
	default:
		return nil, fmt.Errorf("unsupported env type: %T", raw)
	}

	for _, entry := range entries {
		switch v := entry.(type) {
		case string:
			cmd, venv, err := repairCondaCommand(v, workDir, defaultEnvName)
			if err != nil {
				return nil, err
			}
			if venv != "" {
				result.VenvName = venv
			}
			if !condaAvailable && strings.HasPrefix(cmd, "conda") {
				continue
			}
			result.Entries = append(result.Entries, EnvEntry{Command: cmd})
		case map[string]any:
			typ, _ := v["type"].(string)
			if typ == "" {
				return nil, fmt.Errorf("typed env entry requires a `type` field")
			}
			options, _ := v["options"].(map[string]any)
			result.Entries = append(result.Entries, EnvEntry{Type: typ, Options: options})
		default:
			// silently skip unsupported entries, matching install logs
		}
	}
	result.VenvName = strings.TrimSpace(result.VenvName)
	return result, nil
}

func repairCondaCommand(cmd, workDir, defaultEnvName string) (string, string, error) {
	venv := ""
	if strings.Contains(cmd, "conda env create") {
		fields := strings.Fields(cmd)
		idx := indexOf(fields, "-f")
		if idx < 0 || idx+1 >= len(fields) {
			return "", "", fmt.Errorf("you should provide an environment file via `conda env create -f`")
		}
		name, err := envNameFromFile(filepath.Join(workDir, fields[idx+1]))
		if err != nil {
			return "", "", err
		}
		return cmd, name, nil
	}
	if strings.Contains(cmd, "conda create") {
		fields := strings.Fields(cmd)
		if idx := indexOf(fields, "-n"); idx >= 0 && idx+1 < len(fields) {
			venv = fields[idx+1]
		} else if idx := indexOf(fields, "--name"); idx >= 0 && idx+1 < len(fields) {
			venv = fields[idx+1]
		} else {
			venv = strings.ReplaceAll(defaultEnvName, " ", "_")
			cmd = strings.Replace(cmd, "conda create", "conda create -n "+venv, 1)
		}
		if indexOf(strings.Fields(cmd), "-y") < 0 {
			cmd = strings.Replace(cmd, "conda create", "conda create -y", 1)
		}
	}
	return cmd, venv, nil
}

func envNameFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read the specified env file: %w", err)
	}
	var envFile struct {
		Name string `yaml:"name"`
	}
	if err := yaml.Unmarshal(data, &envFile); err != nil {
		return "", fmt.Errorf("failed to parse the specified env file: %w", err)
	}
	if envFile.Name == "" {
		return "", fmt.Errorf("env file does not declare a name")
	}
	return envFile.Name, nil
}

func indexOf(fields []string, needle string) int {
	for i, f := range fields {
		if f == needle {
			return i
		}
	}
	return -1
}

// ApplyCondaActivate wraps install commands with the conda activation
// template for the target environment.
func ApplyCondaActivate(commands []string, condaActivate, venvName string) []string {
	out := make([]string, len(commands))
	for i, cmd := range commands {
		out[i] = fmt.Sprintf(condaActivate, venvName+" && "+cmd)
	}
	return out
}
