package dnsproxy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBlocklist(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "hosts.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadBlocklistHostsFileFormat(t *testing.T) {
	path := writeBlocklist(t, `
# adblock hosts
0.0.0.0 ads.example.com
127.0.0.1 tracker.example.net # inline comment
::1 telemetry.example.org

0.0.0.0
`)
	b, err := LoadBlocklist(path)
	require.NoError(t, err)

	assert.Equal(t, 3, b.Size())
	assert.True(t, b.Contains("ads.example.com"))
	assert.True(t, b.Contains("tracker.example.net"))
	assert.True(t, b.Contains("telemetry.example.org"))
	assert.False(t, b.Contains("example.com"))
}

func TestLoadBlocklistPlainDomains(t *testing.T) {
	path := writeBlocklist(t, "ads.example.com\nTracker.Example.NET.\n")
	b, err := LoadBlocklist(path)
	require.NoError(t, err)

	assert.Equal(t, 2, b.Size())
	assert.True(t, b.Contains("tracker.example.net"))
}

func TestLoadBlocklistMissingFile(t *testing.T) {
	_, err := LoadBlocklist(filepath.Join(t.TempDir(), "nope.txt"))
	assert.Error(t, err)
}

func TestContainsMatchesSubdomains(t *testing.T) {
	b := &Blocklist{hosts: map[string]struct{}{"ads.example.com": {}}}

	assert.True(t, b.Contains("ads.example.com"))
	assert.True(t, b.Contains("ads.example.com."))
	assert.True(t, b.Contains("ADS.EXAMPLE.COM"))
	assert.True(t, b.Contains("deep.tracker.ads.example.com"))
	assert.False(t, b.Contains("example.com"))
	assert.False(t, b.Contains("notads.example.net"))
}

func TestNilBlocklistBlocksNothing(t *testing.T) {
	var b *Blocklist
	assert.False(t, b.Contains("anything.example.com"))
	assert.Equal(t, 0, b.Size())
}
