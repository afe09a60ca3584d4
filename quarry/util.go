// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package quarry

import (
	"bytes"

	bexpr "github.com/hashicorp/go-bexpr"
	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/hashicorp/quarry/quarry/structs"
)

func encodeMsgpack(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, structs.MsgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMsgpack(data []byte, v interface{}) error {
	return codec.NewDecoder(bytes.NewReader(data), structs.MsgpackHandle).Decode(v)
}

// matchFilter evaluates a list-filter expression against one record.
// Compiled evaluators are cached per expression text.
func (s *Server) matchFilter(filter string, obj interface{}) (bool, error) {
	if filter == "" {
		return true, nil
	}
	eval, ok := s.filterCache.Get(filter)
	if !ok {
		var err error
		eval, err = bexpr.CreateEvaluator(filter)
		if err != nil {
			return false, structs.NewInvalidRequestError("bad filter expression: %v", err)
		}
		s.filterCache.Add(filter, eval)
	}
	match, err := eval.Evaluate(obj)
	if err != nil {
		return false, structs.NewInvalidRequestError("filter evaluation: %v", err)
	}
	return match, nil
}
