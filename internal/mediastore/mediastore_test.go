package mediastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardPath(t *testing.T) {
	s := New("/data")
	p := s.ShardPath("lib1", 2001, CategoryProxies, ".webp")
	assert.Equal(t, "/data/lib1/proxies/1/2001.webp", p)

	p2 := s.ShardPath("lib1", 42, CategoryThumbnails, ".jpg")
	assert.Equal(t, "/data/lib1/thumbnails/42/42.jpg", p2)
}

func TestFitWithinNoUpscale(t *testing.T) {
	w, h := fitWithinNoUpscale(100, 100, 768)
	assert.Equal(t, 100, w)
	assert.Equal(t, 100, h)

	w, h = fitWithinNoUpscale(1600, 800, 768)
	assert.Equal(t, 768, w)
	assert.Equal(t, 384, h)

	w, h = fitWithinNoUpscale(800, 1600, 768)
	assert.Equal(t, 384, w)
	assert.Equal(t, 768, h)
}

func TestResolveSourcePathRejectsTraversal(t *testing.T) {
	_, err := ResolveSourcePath("/libs/photos", "../../etc/passwd")
	require.Error(t, err)

	p, err := ResolveSourcePath("/libs/photos", "sub/img.jpg")
	require.NoError(t, err)
	assert.Equal(t, "/libs/photos/sub/img.jpg", p)
}

func TestSceneFramePath(t *testing.T) {
	s := New("/data")
	p := s.SceneFramePath("lib1", 7, 4.0, 9.0)
	assert.Equal(t, "/data/video_scenes/lib1/7/4.000_9.000.jpg", p)
}
