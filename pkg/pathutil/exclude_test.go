package pathutil_test

import (
	"testing"

	"github.com/ckpt-project/ckpt/pkg/pathutil"
	"github.com/stretchr/testify/assert"
)

func TestMatcher_Segments(t *testing.T) {
	m := pathutil.NewMatcher([]string{"*.log", "node_modules", "# comment", "  "})

	assert.True(t, m.Match("app.log"))
	assert.True(t, m.Match("var/app.log"))
	assert.True(t, m.Match("node_modules"))
	assert.True(t, m.Match("web/node_modules/react/index.js"))
	assert.False(t, m.Match("logs/app.txt"))
	assert.False(t, m.Match("src/main.go"))
}

func TestMatcher_FullPaths(t *testing.T) {
	m := pathutil.NewMatcher([]string{"cache/tmp/**", "**/secret.key", "etc/*.conf"})

	assert.True(t, m.Match("cache/tmp"))
	assert.True(t, m.Match("cache/tmp/a/b"))
	assert.False(t, m.Match("cache/keep"))
	assert.True(t, m.Match("secret.key"))
	assert.True(t, m.Match("a/b/secret.key"))
	assert.True(t, m.Match("etc/app.conf"))
	assert.False(t, m.Match("etc/sub/app.conf"))
}

func TestMatcher_Empty(t *testing.T) {
	var nilMatcher *pathutil.Matcher
	assert.True(t, nilMatcher.Empty())
	assert.False(t, nilMatcher.Match("anything"))
	assert.True(t, pathutil.NewMatcher(nil).Empty())
	assert.False(t, pathutil.NewMatcher([]string{"*"}).Match("."))
}

func TestMatcher_WithPaths(t *testing.T) {
	base := pathutil.NewMatcher([]string{"*.log"})
	m := base.WithPaths("data/.ckpt", "x[1]")

	assert.True(t, m.Match("data/.ckpt"))
	assert.True(t, m.Match("data/.ckpt/snapshots/a"))
	assert.False(t, m.Match("data/.ckpt-other"))
	assert.True(t, m.Match("x[1]/f"))
	assert.False(t, m.Match("x1"))
	assert.True(t, m.Match("app.log"))

	assert.False(t, base.Match("data/.ckpt"), "base matcher is not modified")

	var nilMatcher *pathutil.Matcher
	assert.True(t, nilMatcher.WithPaths("a").Match("a/b"))
	assert.True(t, pathutil.NewMatcher(nil).WithPaths(".", "").Empty())
}

func TestWithin(t *testing.T) {
	for _, tc := range []struct {
		base, target string
		rel          string
		ok           bool
	}{
		{"/srv/app", "/srv/app/.ckpt", ".ckpt", true},
		{"/srv/app", "/srv/app", ".", true},
		{"/srv/app", "/srv/app/a/../b", "b", true},
		{"/srv/app", "/srv/application", "", false},
		{"/srv/app", "/srv", "", false},
		{"/srv/app/", "/other", "", false},
	} {
		rel, ok := pathutil.Within(tc.base, tc.target)
		assert.Equal(t, tc.ok, ok, "%s in %s", tc.target, tc.base)
		assert.Equal(t, tc.rel, rel, "%s in %s", tc.target, tc.base)
	}
}
