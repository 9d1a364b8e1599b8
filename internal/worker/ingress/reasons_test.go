// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ingress

import (
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/ingress-reconciler/internal/relation"
)

type reasonsSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&reasonsSuite{})

func (s *reasonsSuite) TestReasonsFor(c *gc.C) {
	c.Check(reasonsFor(nil), jc.DeepEquals, []Reason{RelationChanged})
	c.Check(reasonsFor([]relation.Change{
		{Name: "ingress-1.yaml"},
		{Name: "ingress-2.yaml"},
	}), jc.DeepEquals, []Reason{RelationChanged})
	c.Check(reasonsFor([]relation.Change{
		{Name: relation.LeaderFileName, Removed: true},
	}), jc.DeepEquals, []Reason{LeaderElected})
}
