package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmp := t.TempDir()
	plots := filepath.Join(tmp, "plots")
	outside := filepath.Join(tmp, "outside")
	require.NoError(t, os.MkdirAll(plots, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(plots, "escape")))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"file in dir", filepath.Join(plots, "speed.png"), false},
		{"nested new file", filepath.Join(plots, "2026", "speed.png"), false},
		{"dir itself", plots, false},
		{"dot dot", filepath.Join(plots, "..", "speed.png"), true},
		{"sibling", filepath.Join(outside, "speed.png"), true},
		{"through symlink", filepath.Join(plots, "escape", "speed.png"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, plots)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePathWithinAllowedDirs(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	assert.NoError(t, ValidatePathWithinAllowedDirs(filepath.Join(b, "x.png"), []string{a, b}))
	assert.Error(t, ValidatePathWithinAllowedDirs("/etc/passwd", []string{a, b}))
	assert.Error(t, ValidatePathWithinAllowedDirs(filepath.Join(a, "x.png"), nil))
}

func TestValidateExportPath(t *testing.T) {
	assert.NoError(t, ValidateExportPath(filepath.Join(t.TempDir(), "session.png")))
	assert.NoError(t, ValidateExportPath("plots/session.png"))
	assert.Error(t, ValidateExportPath("/etc/session.png"))
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"":                                     "unknown",
		"0f8e1c2a-5d4b-4c3e-9a7f-1b2c3d4e5f60": "0f8e1c2a-5d4b-4c3e-9a7f-1b2c3d4e5f60",
		"../../etc/passwd":                     "etc_passwd",
		"centroid/body":                        "centroid_body",
		"a  b??c":                              "a_b_c",
		"___":                                  "unknown",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeFilename(in), "input %q", in)
	}
}
