package rules

import (
	"regexp"
	"testing"

	assert "github.com/stretchr/testify/require"
)

func mustCompile(t *testing.T, src string) *regexp.Regexp {
	t.Helper()
	re, err := regexp.Compile("(?s)" + src)
	assert.NoError(t, err)
	return re
}

func TestApplyServerToClientRewritesInOrder(t *testing.T) {
	set := &Set{
		ServerToClient: []Rewrite{
			{Pattern: mustCompile(t, "foo"), Replacement: "bar"},
			{Pattern: mustCompile(t, "bar"), Replacement: "baz"},
		},
	}
	out := set.ApplyServerToClient([]byte("foo"), nil)
	assert.Equal(t, "baz", string(out))
}

func TestApplyServerToClientNoMatchLeavesMessageUnchanged(t *testing.T) {
	set := &Set{ServerToClient: []Rewrite{{Pattern: mustCompile(t, "nomatch"), Replacement: "x"}}}
	out := set.ApplyServerToClient([]byte("hello"), nil)
	assert.Equal(t, "hello", string(out))
}

func TestApplyClientToServerForwardsWhenNoAutoResponseMatches(t *testing.T) {
	set := &Set{}
	decision := set.ApplyClientToServer([]byte("<rpc/>"), nil)
	assert.True(t, decision.Forward)
	assert.Equal(t, "<rpc/>", string(decision.ClientMessage))
	assert.Empty(t, decision.Response)
}

func TestApplyClientToServerAppliesRewritesBeforeAutoResponse(t *testing.T) {
	set := &Set{
		ClientToServer: []Rewrite{{Pattern: mustCompile(t, "old"), Replacement: "new"}},
		AutoRespond:    []AutoResponse{{Pattern: mustCompile(t, "^new"), Response: "synthesized"}},
	}
	decision := set.ApplyClientToServer([]byte("old-message"), nil)
	assert.False(t, decision.Forward)
	assert.Equal(t, "new-message", string(decision.ClientMessage))
	assert.Equal(t, "synthesized", string(decision.Response))
}

func TestApplyClientToServerFirstAutoResponseWins(t *testing.T) {
	set := &Set{
		AutoRespond: []AutoResponse{
			{Pattern: mustCompile(t, "^<hello"), Response: "first"},
			{Pattern: mustCompile(t, "^<hello"), Response: "second"},
		},
	}
	decision := set.ApplyClientToServer([]byte("<hello/>"), nil)
	assert.False(t, decision.Forward)
	assert.Equal(t, "first", string(decision.Response))
}

func TestApplyClientToServerAutoResponseMustAnchorAtStart(t *testing.T) {
	set := &Set{
		AutoRespond: []AutoResponse{{Pattern: mustCompile(t, "hello"), Response: "x"}},
	}
	decision := set.ApplyClientToServer([]byte("say hello"), nil)
	assert.True(t, decision.Forward, "a match not anchored at position 0 must not absorb")
}

func TestApplyClientToServerAutoResponseBackreferenceSubstitution(t *testing.T) {
	set := &Set{
		AutoRespond: []AutoResponse{
			{Pattern: mustCompile(t, `^<rpc message-id="(\d+)">`), Response: `<rpc-reply message-id="$1"/>`},
		},
	}
	decision := set.ApplyClientToServer([]byte(`<rpc message-id="42">body</rpc>`), nil)
	assert.False(t, decision.Forward)
	assert.Equal(t, `<rpc-reply message-id="42"/>`, string(decision.Response))
}

func TestApplyClientToServerUnmatchedBackreferenceExpandsEmptyWithoutPanicking(t *testing.T) {
	set := &Set{
		AutoRespond: []AutoResponse{
			// Group 5 does not exist; Go's regexp.Expand treats an
			// unrecognized group reference as empty rather than erroring,
			// so this must absorb with an empty response, not panic.
			{Pattern: mustCompile(t, `^(a)`), Response: `$5`},
		},
	}
	var reported error
	decision := set.ApplyClientToServer([]byte("abc"), func(err error) { reported = err })
	assert.False(t, decision.Forward)
	assert.Empty(t, decision.Response)
	assert.Nil(t, reported)
}

func TestEmptySetForwardsEverythingUnchanged(t *testing.T) {
	out := Empty.ApplyServerToClient([]byte("unchanged"), nil)
	assert.Equal(t, "unchanged", string(out))

	decision := Empty.ApplyClientToServer([]byte("unchanged"), nil)
	assert.True(t, decision.Forward)
	assert.Equal(t, "unchanged", string(decision.ClientMessage))
}
