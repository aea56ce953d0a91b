package expr

import "github.com/leapstack-labs/leapsync/pkg/core"

// node is an expression tree node.
type node interface {
	pos() int
}

type literal struct {
	at    int
	value core.Value
}

type fieldRef struct {
	at   int
	name string
}

type unary struct {
	at      int
	op      tokenKind
	operand node
}

type binary struct {
	at          int
	op          tokenKind
	left, right node
}

type call struct {
	at   int
	name string
	fn   *function
	args []node
}

func (n *literal) pos() int  { return n.at }
func (n *fieldRef) pos() int { return n.at }
func (n *unary) pos() int    { return n.at }
func (n *binary) pos() int   { return n.at }
func (n *call) pos() int     { return n.at }
