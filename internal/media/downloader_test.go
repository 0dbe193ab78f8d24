package media

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectPlatform(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "youtube"},
		{"https://youtu.be/dQw4w9WgXcQ", "youtube"},
		{"https://www.twitch.tv/videos/123456789", "twitch"},
		{"https://example.com/video.mp4", ""},
		{"not a url", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectPlatform(tt.url), tt.url)
	}
}

func TestIsSupportedURL(t *testing.T) {
	assert.True(t, IsSupportedURL("https://www.youtube.com/watch?v=dQw4w9WgXcQ"))
	assert.True(t, IsSupportedURL("https://youtu.be/dQw4w9WgXcQ"))
	assert.True(t, IsSupportedURL("youtube.com/watch?v=abc-123_XY"))
	assert.True(t, IsSupportedURL("https://www.twitch.tv/videos/2233445566"))

	assert.False(t, IsSupportedURL("https://www.twitch.tv/somechannel"))
	assert.False(t, IsSupportedURL("https://vimeo.com/12345"))
	assert.False(t, IsSupportedURL(""))
}

func TestFormatSpec(t *testing.T) {
	assert.Equal(t,
		"bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best",
		formatSpec("best"))
	assert.Equal(t,
		"bestvideo[height<=1080][ext=mp4]+bestaudio[ext=m4a]/best[height<=1080][ext=mp4]/best",
		formatSpec("1080p"))
	assert.Equal(t,
		"bestvideo[height<=720][ext=mp4]+bestaudio[ext=m4a]/best[height<=720][ext=mp4]/best",
		formatSpec("720"))
	assert.Equal(t,
		"bestvideo[height<=480][ext=mp4]+bestaudio[ext=m4a]/best[height<=480][ext=mp4]/best",
		formatSpec("480p"))

	// Unknown labels behave like best.
	assert.Equal(t, formatSpec("best"), formatSpec("4k"))
	assert.Equal(t, formatSpec("best"), formatSpec(""))
}

func TestDownloadLineParsing(t *testing.T) {
	t.Run("destination", func(t *testing.T) {
		m := destinationRe.FindStringSubmatch("[download] Destination: /data/projects/abc/source/My Video [dQw4w9WgXcQ].mp4")
		require.NotNil(t, m)
		assert.Equal(t, "/data/projects/abc/source/My Video [dQw4w9WgXcQ].mp4", m[1])
	})

	t.Run("already downloaded", func(t *testing.T) {
		m := alreadyDoneRe.FindStringSubmatch("[download] /data/x/clip [id].mp4 has already been downloaded")
		require.NotNil(t, m)
		assert.Equal(t, "/data/x/clip [id].mp4", m[1])
	})

	t.Run("merger output", func(t *testing.T) {
		m := mergerOutputRe.FindStringSubmatch(`[Merger] Merging formats into "/data/x/clip [id].mp4"`)
		require.NotNil(t, m)
		assert.Equal(t, "/data/x/clip [id].mp4", m[1])
	})

	t.Run("percent", func(t *testing.T) {
		m := percentLineRe.FindStringSubmatch("  42.3%")
		require.NotNil(t, m)
		assert.Equal(t, "42.3", m[1])
	})
}

func TestToURLInfo(t *testing.T) {
	raw := ytdlpInfo{
		ID:         "abc123",
		Title:      "A Title",
		Duration:   93.5,
		Uploader:   "SomeChannel",
		UploaderID: "@somechannel",
	}

	info := toURLInfo(raw, "https://youtu.be/abc123")
	assert.Equal(t, "abc123", info.ID)
	assert.Equal(t, "youtube", info.Platform)
	assert.Equal(t, "https://youtu.be/abc123", info.URL)
	// Uploader fields backfill channel fields when a platform omits them.
	assert.Equal(t, "SomeChannel", info.Channel)
	assert.Equal(t, "@somechannel", info.ChannelID)
}

func TestToURLInfoLongDescription(t *testing.T) {
	raw := ytdlpInfo{ID: "x", Description: string(make([]rune, 600))}
	info := toURLInfo(raw, "https://youtu.be/x")
	assert.Len(t, []rune(info.Description), maxDescriptionLen)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "abc", truncateRunes("abc", 5))
	assert.Equal(t, "abcde", truncateRunes("abcdefgh", 5))
	// Multibyte runes are never split.
	assert.Equal(t, "héllo", truncateRunes("héllo wörld", 5))
}

func TestNewestFile(t *testing.T) {
	dir := t.TempDir()
	started := time.Now().Add(-time.Minute)

	older := filepath.Join(dir, "older.mp4")
	require.NoError(t, os.WriteFile(older, []byte("a"), 0o644))
	require.NoError(t, os.Chtimes(older, started, started))

	newer := filepath.Join(dir, "newer.mp4")
	require.NoError(t, os.WriteFile(newer, []byte("b"), 0o644))

	partial := filepath.Join(dir, "incomplete.mp4.part")
	require.NoError(t, os.WriteFile(partial, []byte("c"), 0o644))

	got, err := newestFile(dir, started)
	require.NoError(t, err)
	assert.Equal(t, newer, got)
}

func TestNewestFileEmptyDir(t *testing.T) {
	_, err := newestFile(t.TempDir(), time.Now())
	assert.Error(t, err)
}
