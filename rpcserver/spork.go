// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpcserver

import (
	"net/http"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/mndnet/mnd/node"
	"github.com/mndnet/mnd/spork"
)

// SporkService serves the spork methods.
type SporkService struct {
	node *node.Node
}

// SporkGetArgs are the arguments of spork.Get.  Active reports whether each
// spork is active at the tip instead of its value.
type SporkGetArgs struct {
	Active bool `json:"active"`
}

// Get returns the value in force of every known spork keyed by name, or
// whether it is active when args.Active is set.
func (s *SporkService) Get(r *http.Request, args *SporkGetArgs, reply *map[string]interface{}) error {
	height := int64(s.node.Chain.BestSnapshot().Height)
	out := make(map[string]interface{})
	for id, value := range s.node.Sporks.Values() {
		if args.Active {
			out[id.String()] = value <= height
			continue
		}
		out[id.String()] = value
	}
	*reply = out
	return nil
}

// SporkSetArgs are the arguments of spork.Set.
type SporkSetArgs struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

// Set signs and relays a new spork value with the configured spork key.
func (s *SporkService) Set(r *http.Request, args *SporkSetArgs, reply *string) error {
	id, ok := spork.IDFromName(args.Name)
	if !ok {
		return invalidParams("unknown spork " + args.Name)
	}
	if _, err := s.node.Sporks.UpdateSpork(id, args.Value); err != nil {
		return rpcError(json2.E_SERVER, err.Error())
	}
	*reply = "success"
	return nil
}
