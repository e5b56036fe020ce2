package typegraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceholderIsStableAcrossCycles(t *testing.T) {
	g := NewGraph()

	// Simulate two mutually-recursive struct DIEs at offsets 0x10 and 0x20,
	// each containing a pointer member to the other.
	nodeID := g.Placeholder(0x10, KindStruct)
	otherID := g.Placeholder(0x20, KindStruct)

	ptrToOther := g.Placeholder(0x30, KindPointer)
	g.Fill(ptrToOther, func(n *Node) { n.Element = otherID })

	ptrToNode := g.Placeholder(0x40, KindPointer)
	g.Fill(ptrToNode, func(n *Node) { n.Element = nodeID })

	g.Fill(nodeID, func(n *Node) {
		n.Name = "Node"
		n.Members = []Member{{Name: "other", Type: ptrToOther}}
	})
	g.Fill(otherID, func(n *Node) {
		n.Name = "Other"
		n.Members = []Member{{Name: "node", Type: ptrToNode}}
	})

	resolvedAgain, ok := g.Lookup(0x10)
	require.True(t, ok)
	assert.Equal(t, nodeID, resolvedAgain)

	node := g.Node(nodeID)
	require.Len(t, node.Members, 1)
	otherViaPointer := g.Node(node.Members[0].Type)
	assert.Equal(t, KindPointer, otherViaPointer.Kind)
	backToOther := g.Node(otherViaPointer.Element)
	assert.Equal(t, "Other", backToOther.Name)
}

func TestInternDeduplicatesNamedTypes(t *testing.T) {
	g := NewGraph()

	a := g.Placeholder(0x10, KindStruct)
	g.Fill(a, func(n *Node) { n.Name = "Point" })
	g.Intern(a, "", "Point", 0x10)

	b := g.Placeholder(0x5000, KindStruct)
	g.Fill(b, func(n *Node) { n.Name = "Point" })
	g.Intern(b, "", "Point", 0x5000)

	canon := g.Canonical(b, "", "Point")
	assert.Equal(t, a, canon)
}

func TestUnderlyingStripsQualifiers(t *testing.T) {
	g := NewGraph()

	base := g.Placeholder(0x1, KindBase)
	g.Fill(base, func(n *Node) { n.Name = "int"; n.ByteSize = 4 })

	constInt := g.Placeholder(0x2, KindConst)
	g.Fill(constInt, func(n *Node) { n.Element = base })

	typedefInt := g.Placeholder(0x3, KindTypedef)
	g.Fill(typedefInt, func(n *Node) { n.Name = "i32"; n.Element = constInt })

	under := g.Underlying(typedefInt)
	assert.Equal(t, KindBase, under.Kind)
	assert.Equal(t, "int", under.Name)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "struct", KindStruct.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
