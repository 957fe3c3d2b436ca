package action

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseExecWithModifiers(t *testing.T) {
	a, err := Parse(PhaseStart, `exec:/bin/echo hi expect=0,1 timeout=500`)
	require.NoError(t, err)
	require.Equal(t, []Verb{VerbExec}, a.Verbs)
	require.Equal(t, "/bin/echo hi", a.Arg)
	require.Equal(t, []int{0, 1}, a.Expect)
	require.Equal(t, 500, a.TimeoutMS)
}

func TestParseRejectsMissingVerb(t *testing.T) {
	_, err := Parse(PhaseStart, "no-colon-here")
	require.Error(t, err)
}

func TestParseDropsUnknownVerbLeavingEmptyChain(t *testing.T) {
	a, err := Parse(PhaseStart, "frobnicate:arg")
	require.NoError(t, err)
	require.Empty(t, a.Verbs)
}

func TestParseRejectsUnknownModifier(t *testing.T) {
	_, err := Parse(PhaseStart, "exec:/bin/true bogus=1")
	require.Error(t, err)
}

func TestParseRejectsBadTimeout(t *testing.T) {
	_, err := Parse(PhaseStart, "exec:/bin/true timeout=notanumber")
	require.Error(t, err)
}

func TestParseQuotedArgPreservesSpaces(t *testing.T) {
	a, err := Parse(PhaseStart, `exec:/bin/echo "hello world"`)
	require.NoError(t, err)
	require.Equal(t, "/bin/echo hello world", a.Arg)
}

func TestParseHTTPVerb(t *testing.T) {
	a, err := Parse(PhaseWatch, "http:/health expect=200,204")
	require.NoError(t, err)
	require.Equal(t, []Verb{VerbHTTP}, a.Verbs)
	require.Equal(t, []int{200, 204}, a.Expect)
}

func TestParseCommaSeparatedVerbsKeepsOnlyAllowedOnes(t *testing.T) {
	// "start" is only legal under PhaseStart; in PhaseWatch it must be
	// silently dropped from the fallback chain, leaving just "exec".
	a, err := Parse(PhaseWatch, "exec,start:/health")
	require.NoError(t, err)
	require.Equal(t, []Verb{VerbExec}, a.Verbs)
}

func TestParseCommaSeparatedVerbsPreservesOrder(t *testing.T) {
	a, err := Parse(PhaseStart, "http,exec:something")
	require.NoError(t, err)
	require.Equal(t, []Verb{VerbHTTP, VerbExec}, a.Verbs)
}

func TestAllowedPerPhase(t *testing.T) {
	require.True(t, Allowed(PhaseStart, VerbStart))
	require.False(t, Allowed(PhaseWatch, VerbStart))
	require.True(t, Allowed(PhaseWatch, VerbHTTP))
	require.True(t, Allowed(PhaseWatch, VerbSleep))
	require.True(t, Allowed(PhaseStop, VerbStop))
	require.False(t, Allowed("bogus", VerbExec))
}
