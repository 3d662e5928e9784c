package vdf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const localConfig = `"UserLocalConfigStore"
{
	"Software"
	{
		"Valve"
		{
			"Steam"
			{
				"apps"
				{
					"1966720"
					{
						"LastPlayed"		"1700000000"
						"LaunchOptions"		"-windowed \"x\""
					}
					"632360"
					{
						"LastPlayed"		"1"
					}
				}
			}
		}
	}
	// trailing comment
	"Bare" value [$WIN32]
}
`

func TestParse(t *testing.T) {
	root, err := Parse([]byte(localConfig))
	require.NoError(t, err)

	opts := root.Lookup("UserLocalConfigStore", "Software", "Valve", "Steam", "Apps", "1966720", "LaunchOptions")
	require.NotNil(t, opts)
	assert.Equal(t, `-windowed "x"`, opts.Value)
	assert.Equal(t, `"-windowed \"x\""`, localConfig[opts.ValueSpan.Start:opts.ValueSpan.End])

	bare := root.Lookup("UserLocalConfigStore", "bare")
	require.NotNil(t, bare)
	assert.Equal(t, "value", bare.Value)

	assert.Nil(t, root.Lookup("UserLocalConfigStore", "Software", "missing"))
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{`"a" {`, `}`, `"a" "unterminated`, `"a"`, `{`} {
		_, err := Parse([]byte(src))
		assert.ErrorIs(t, err, ErrSyntax, src)
	}
}

func TestSetValue(t *testing.T) {
	root, err := Parse([]byte(localConfig))
	require.NoError(t, err)
	n := root.Lookup("UserLocalConfigStore", "Software", "Valve", "Steam", "apps", "1966720", "LaunchOptions")
	out, err := SetValue([]byte(localConfig), n, `run "%command%"`)
	require.NoError(t, err)

	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, `run "%command%"`, again.Lookup("UserLocalConfigStore", "Software", "Valve", "Steam", "apps", "1966720", "LaunchOptions").Value)
	assert.Contains(t, string(out), `"LaunchOptions"		"run \"%command%\""`)
}

func TestInsertValueIndents(t *testing.T) {
	root, err := Parse([]byte(localConfig))
	require.NoError(t, err)
	app := root.Lookup("UserLocalConfigStore", "Software", "Valve", "Steam", "apps", "632360")
	out, err := InsertValue([]byte(localConfig), app, "LaunchOptions", "x")
	require.NoError(t, err)

	assert.Contains(t, string(out), "\t\t\t\t\t\t\"LastPlayed\"\t\t\"1\"\n\t\t\t\t\t\t\"LaunchOptions\"\t\t\"x\"\n\t\t\t\t\t}\n")
	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, "x", again.Lookup("UserLocalConfigStore", "Software", "Valve", "Steam", "apps", "632360", "LaunchOptions").Value)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `"a\\b\"c\n"`, Quote("a\\b\"c\n"))
}
