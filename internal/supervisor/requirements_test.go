package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequirements(t *testing.T) {
	tests := []struct {
		name  string
		reqs  []string
		conda bool
		want  []string
	}{
		{
			name:  "conda requirement with conda available",
			reqs:  []string{"conda:numpy scipy"},
			conda: true,
			want:  []string{"conda install -y numpy scipy"},
		},
		{
			name:  "conda requirement without conda",
			reqs:  []string{"conda:numpy"},
			conda: false,
			want:  []string{},
		},
		{
			name: "pip requirement",
			reqs: []string{"pip:requests==2.0"},
			want: []string{"pip install requests==2.0"},
		},
		{
			name: "bare item",
			reqs: []string{"pillow"},
			want: []string{"pip install pillow"},
		},
		{
			name: "raw command",
			reqs: []string{"cmd:make install"},
			want: []string{"make install"},
		},
		{
			name: "vcs url",
			reqs: []string{"git+https://example.org/repo.git"},
			want: []string{"pip install git+https://example.org/repo.git"},
		},
		{
			name: "http url",
			reqs: []string{"https://example.org/pkg.tar.gz"},
			want: []string{"pip install https://example.org/pkg.tar.gz"},
		},
		{
			name: "repo requirement is handled by the clone phase",
			reqs: []string{"repo:https://example.org/repo.git"},
			want: []string{},
		},
		{
			name: "empty entries are skipped",
			reqs: []string{"", "  "},
			want: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRequirements(tt.reqs, tt.conda)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRequirementsUnsupported(t *testing.T) {
	_, err := ParseRequirements([]string{"weird:thing"}, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported requirement type")
}

func TestParseRepos(t *testing.T) {
	repos := ParseRepos([]string{
		"repo:https://example.org/tools.git",
		"repo:https://example.org/other.git custom-dir",
		"pip:requests",
	}, "/work")

	require.Len(t, repos, 2)
	assert.Equal(t, "https://example.org/tools.git", repos[0].URL)
	assert.Equal(t, filepath.Join("/work", "tools"), repos[0].Dir)
	assert.Equal(t, filepath.Join("/work", "custom-dir"), repos[1].Dir)
}

func TestParseEnvCondaCreateRepair(t *testing.T) {
	// a missing -n/--name gets the derived default and -y is injected
	result, err := ParseEnv("conda create python=3.9", "/work", "plugin-tag", true)
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, "plugin-tag", result.VenvName)
	assert.Contains(t, result.Entries[0].Command, "conda create -y")
	assert.Contains(t, result.Entries[0].Command, "-n plugin-tag")

	// an explicit name is kept
	result, err = ParseEnv("conda create -y -n custom python=3.9", "/work", "default", true)
	require.NoError(t, err)
	assert.Equal(t, "custom", result.VenvName)
	assert.Equal(t, "conda create -y -n custom python=3.9", result.Entries[0].Command)

	// spaces in the derived name are replaced
	result, err = ParseEnv("conda create python=3.9", "/work", "my plugin", true)
	require.NoError(t, err)
	assert.Equal(t, "my_plugin", result.VenvName)
}

func TestParseEnvCondaEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "environment.yml")
	require.NoError(t, os.WriteFile(envFile, []byte("name: analysis\ndependencies:\n  - python=3.9\n"), 0o644))

	result, err := ParseEnv("conda env create -f environment.yml", dir, "default", true)
	require.NoError(t, err)
	assert.Equal(t, "analysis", result.VenvName)

	// a missing -f is an error
	_, err = ParseEnv("conda env create", dir, "default", true)
	require.Error(t, err)
}

func TestParseEnvTypedEntries(t *testing.T) {
	result, err := ParseEnv([]any{
		map[string]any{"type": "variable", "options": map[string]any{"MODE": "fast"}},
		map[string]any{"type": "gputil", "options": map[string]any{"limit": 2}},
	}, "/work", "default", true)
	require.NoError(t, err)
	require.Len(t, result.Entries, 2)
	assert.Equal(t, "variable", result.Entries[0].Type)
	assert.Equal(t, "fast", result.Entries[0].Options["MODE"])
	assert.Equal(t, "gputil", result.Entries[1].Type)

	_, err = ParseEnv([]any{map[string]any{"options": map[string]any{}}}, "/work", "d", true)
	require.Error(t, err)
}

func TestParseEnvEmpty(t *testing.T) {
	result, err := ParseEnv(nil, "/work", "default", true)
	require.NoError(t, err)
	assert.Empty(t, result.Entries)

	result, err = ParseEnv("   ", "/work", "default", true)
	require.NoError(t, err)
	assert.Empty(t, result.Entries)
}

func TestApplyCondaActivate(t *testing.T) {
	out := ApplyCondaActivate([]string{"pip install x"}, "source activate %s", "venv")
	assert.Equal(t, []string{"source activate venv && pip install x"}, out)
}

func TestCommandHistory(t *testing.T) {
	h := NewCommandHistory()
	assert.False(t, h.Contains("pip install x"))
	h.Add("pip install x")
	assert.True(t, h.Contains("pip install x"))

	left := filterHistory(h, []string{"pip install x", "pip install y"})
	assert.Equal(t, []string{"pip install y"}, left)
}
