// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"testing"

	"github.com/shoenig/test/must"
)

func TestParseFeatureExpr(t *testing.T) {
	cases := []struct {
		expr     string
		features []string
		match    bool
	}{
		{"", nil, true},
		{"intel", []string{"intel"}, true},
		{"intel", []string{"amd"}, false},
		{"intel&gpu", []string{"intel", "gpu"}, true},
		{"intel&gpu", []string{"intel"}, false},
		{"intel|amd", []string{"amd"}, true},
		{"intel|amd", []string{"arm"}, false},
		// OR binds looser than AND.
		{"intel&gpu|amd", []string{"amd"}, true},
		{"intel&gpu|amd", []string{"intel"}, false},
		{"intel&(gpu|amd)", []string{"intel", "amd"}, true},
		{"intel&(gpu|amd)", []string{"amd"}, false},
		{" intel & gpu ", []string{"intel", "gpu"}, true},
	}
	for _, tc := range cases {
		expr, err := ParseFeatureExpr(tc.expr)
		must.NoError(t, err, must.Sprintf("expr %q", tc.expr))
		must.Eq(t, tc.match, expr.Match(tc.features),
			must.Sprintf("expr %q against %v", tc.expr, tc.features))
	}
}

func TestParseFeatureExpr_Errors(t *testing.T) {
	for _, expr := range []string{"&", "intel&", "(intel", "intel)", "intel||gpu", "()"} {
		_, err := ParseFeatureExpr(expr)
		must.Error(t, err, must.Sprintf("expr %q", expr))
	}
}

func TestFeatureExpr_NilMatchesAll(t *testing.T) {
	var e *FeatureExpr
	must.True(t, e.Match([]string{"anything"}))
	must.True(t, e.Match(nil))
}
