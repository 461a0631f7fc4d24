package platform

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect_YouTube(t *testing.T) {
	cases := []struct {
		url  string
		id   string
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/shorts/abc123XYZ_-", "abc123XYZ_-"},
		{"https://music.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
	}
	for _, tc := range cases {
		info, err := Detect(tc.url)
		require.NoError(t, err, tc.url)
		assert.Equal(t, "youtube", info.Name)
		assert.Equal(t, tc.id, info.VideoID)
		assert.Equal(t, "https://www.youtube.com/watch?v="+tc.id, info.NormalizedURL)
		assert.Equal(t, tc.url, info.OriginalURL)
	}
}

func TestDetect_NormalizationIsStable(t *testing.T) {
	a, err := Detect("https://youtu.be/dQw4w9WgXcQ")
	require.NoError(t, err)
	b, err := Detect("https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Equal(t, a.NormalizedURL, b.NormalizedURL)
}

func TestDetect_OtherPlatforms(t *testing.T) {
	cases := map[string]string{
		"https://www.tiktok.com/@user.name/video/7123456789012345678": "tiktok",
		"https://www.instagram.com/reel/Cabc123xyz/":                  "instagram",
		"https://www.facebook.com/watch/?v=1234567890":                "facebook",
		"https://x.com/someone/status/1234567890123":                  "twitter",
		"https://www.reddit.com/r/videos/comments/abc123/title/":      "reddit",
		"https://vimeo.com/123456789":                                 "vimeo",
		"https://cdn.example.com/clips/video.mp4":                     "direct",
	}
	for url, want := range cases {
		info, err := Detect(url)
		require.NoError(t, err, url)
		assert.Equal(t, want, info.Name, url)
	}
}

func TestDetect_Unsupported(t *testing.T) {
	_, err := Detect("https://example.com/some/page")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported platform")
}

func TestValidate(t *testing.T) {
	t.Run("rejects empty and malformed URLs", func(t *testing.T) {
		assert.Error(t, Validate(""))
		assert.Error(t, Validate("not a url"))
		assert.Error(t, Validate("ftp://example.com/video.mp4"))
	})

	t.Run("rejects over-long URLs", func(t *testing.T) {
		assert.Error(t, Validate("https://example.com/"+strings.Repeat("a", 3000)))
	})

	t.Run("rejects private and local hosts", func(t *testing.T) {
		assert.Error(t, Validate("http://localhost/video.mp4"))
		assert.Error(t, Validate("http://127.0.0.1/video.mp4"))
		assert.Error(t, Validate("http://192.168.1.10/video.mp4"))
		assert.Error(t, Validate("http://10.0.0.5/video.mp4"))
		assert.Error(t, Validate("http://[::1]/video.mp4"))
	})

	t.Run("accepts public hosts", func(t *testing.T) {
		assert.NoError(t, Validate("https://www.youtube.com/watch?v=abc"))
	})
}
