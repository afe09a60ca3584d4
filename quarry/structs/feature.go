// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"strings"

	"github.com/hashicorp/go-set/v3"
)

// FeatureExpr is a parsed node-feature constraint such as "intel&gpu|amd".
// OR binds looser than AND; parentheses group.
type FeatureExpr struct {
	root featureNode
}

type featureNode interface {
	match(features *set.Set[string]) bool
}

type featureLeaf string

func (f featureLeaf) match(features *set.Set[string]) bool {
	return features.Contains(string(f))
}

type featureOp struct {
	and         bool
	left, right featureNode
}

func (op *featureOp) match(features *set.Set[string]) bool {
	if op.and {
		return op.left.match(features) && op.right.match(features)
	}
	return op.left.match(features) || op.right.match(features)
}

// ParseFeatureExpr parses the constraint expression. The empty string
// parses to a match-all expression.
func ParseFeatureExpr(s string) (*FeatureExpr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return &FeatureExpr{}, nil
	}
	p := &featureParser{input: s}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.input) {
		return nil, NewInvalidRequestError("trailing input in feature expression %q", s)
	}
	return &FeatureExpr{root: root}, nil
}

// Match evaluates the expression against a node's feature list.
func (e *FeatureExpr) Match(features []string) bool {
	if e == nil || e.root == nil {
		return true
	}
	return e.root.match(set.From(features))
}

type featureParser struct {
	input string
	pos   int
}

func (p *featureParser) parseOr() (featureNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek() == '|' {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &featureOp{and: false, left: left, right: right}
	}
	return left, nil
}

func (p *featureParser) parseAnd() (featureNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.peek() == '&' {
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &featureOp{and: true, left: left, right: right}
	}
	return left, nil
}

func (p *featureParser) parseTerm() (featureNode, error) {
	p.skipSpace()
	if p.peek() == '(' {
		p.pos++
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return nil, NewInvalidRequestError("unbalanced parens in feature expression %q", p.input)
		}
		p.pos++
		p.skipSpace()
		return node, nil
	}
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == '&' || c == '|' || c == '(' || c == ')' || c == ' ' {
			break
		}
		p.pos++
	}
	name := p.input[start:p.pos]
	if name == "" {
		return nil, NewInvalidRequestError("empty term in feature expression %q", p.input)
	}
	p.skipSpace()
	return featureLeaf(name), nil
}

func (p *featureParser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *featureParser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}
