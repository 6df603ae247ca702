package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{name: "relative inside root", path: "logs/app.log", want: filepath.Join(root, "logs/app.log")},
		{name: "dot", path: ".", want: root},
		{name: "absolute inside root", path: filepath.Join(root, "data.json"), want: filepath.Join(root, "data.json")},
		{name: "parent traversal", path: "../outside.txt", wantErr: true},
		{name: "nested traversal", path: "logs/../../outside.txt", wantErr: true},
		{name: "absolute outside root", path: "/etc/passwd", wantErr: true},
		{name: "sneaky clean traversal", path: "a/b/../../../x", wantErr: true},
		{name: "traversal that returns inside", path: "logs/../data.json", want: filepath.Join(root, "data.json")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolvePath(root, tt.path)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolvePathSiblingPrefixRefused(t *testing.T) {
	// "/tmp/rootx" must not pass for root "/tmp/root".
	root := t.TempDir()
	_, err := resolvePath(root, root+"x/file")
	require.Error(t, err)
}

func TestWriteFileAtomicLeavesNoPartialFile(t *testing.T) {
	dir := t.TempDir()

	target := filepath.Join(dir, "conf", "app.yaml")
	require.NoError(t, writeFileAtomic(target, []byte("fresh")))
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(got))
	assert.NoFileExists(t, target+".tmp", "temp file must not survive a commit")

	// Overwrites go through the same rename, never a truncate-in-place.
	require.NoError(t, writeFileAtomic(target, []byte("newer")))
	got, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "newer", string(got))

	// A failed landing leaves the previous contents untouched.
	blocked := filepath.Join(dir, "conf", "app.yaml", "impossible")
	require.Error(t, writeFileAtomic(blocked, []byte("x")))
	got, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "newer", string(got))
}
