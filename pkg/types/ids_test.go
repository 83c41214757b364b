package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStableEntityIDIsDeterministic(t *testing.T) {
	a := StableEntityID(EntityFile, "pkg/a.go", "abc123")
	b := StableEntityID(EntityFile, "pkg/a.go", "abc123")
	assert.Equal(t, a, b)

	c := StableEntityID(EntityFile, "pkg/b.go", "abc123")
	assert.NotEqual(t, a, c)

	d := StableEntityID(EntitySymbol, "pkg/a.go", "abc123")
	assert.NotEqual(t, a, d)
}

func TestCanonicalRelationshipID(t *testing.T) {
	id := CanonicalRelationshipID("e1", RelImports, "e2", "")
	assert.Equal(t, "e1|IMPORTS|e2", id)

	withDisc := CanonicalRelationshipID("e1", RelCalls, "e2", "line:42")
	assert.Equal(t, "e1|CALLS|e2|line:42", withDisc)
}
