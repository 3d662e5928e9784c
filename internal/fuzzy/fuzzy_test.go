package fuzzy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScore_Subsequence(t *testing.T) {
	p := Compile("more")
	_, ok := p.Score("MoreCompany")
	assert.True(t, ok)
	_, ok = p.Score("LethalThings")
	assert.False(t, ok)
}

func TestScore_PrefixBeatsScattered(t *testing.T) {
	p := Compile("more")
	prefix, ok := p.Score("MoreCompany")
	assert.True(t, ok)
	scattered, ok := p.Score("MyOwnRandomEmotes")
	assert.True(t, ok)
	assert.Greater(t, prefix, scattered)
}

func TestScore_CaseFolding(t *testing.T) {
	a, ok := Compile("STRASSE").Score("strasse")
	assert.True(t, ok)
	b, ok := Compile("strasse").Score("STRASSE")
	assert.True(t, ok)
	assert.Equal(t, a, b)
}

func TestCompile_IgnoresWhitespace(t *testing.T) {
	p := Compile("  more company ")
	_, ok := p.Score("MoreCompany")
	assert.True(t, ok)
	assert.True(t, Compile("   ").Empty())
}
