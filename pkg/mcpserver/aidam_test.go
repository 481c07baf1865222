package mcpserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeepenTermsSkipsShortWords(t *testing.T) {
	terms := deepenTerms("fix the auth bug in session manager")
	assert.Equal(t, []string{"auth", "session", "manager"}, terms)
}

func TestDeepenTermsCapsAtEight(t *testing.T) {
	terms := deepenTerms("alpha bravo charlie delta echo9 foxtrot golf1 hotel india juliet")
	assert.Len(t, terms, 8)
	assert.Equal(t, "alpha", terms[0])
	assert.NotContains(t, terms, "india")
}

func TestDeepenTermsEmpty(t *testing.T) {
	assert.Empty(t, deepenTerms("a an the of"))
	assert.Empty(t, deepenTerms(""))
}

func TestRound4(t *testing.T) {
	assert.Equal(t, 1.2346, round4(1.23456))
	assert.Equal(t, 0.0, round4(0))
	assert.Equal(t, 5.0, round4(5.00001))
}
