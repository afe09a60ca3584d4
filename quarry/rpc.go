// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package quarry

import (
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"strings"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/quarry/helper/pool"
	"github.com/hashicorp/quarry/quarry/structs"
)

// setupRPC registers every endpoint with the dispatcher. Service names
// form the public method space: "Node.Register", "Job.Submit", etc.
func (s *Server) setupRPC() {
	s.rpcServer = rpc.NewServer()
	s.rpcServer.Register(&Node{srv: s})
	s.rpcServer.Register(&Job{srv: s})
	s.rpcServer.Register(&Partition{srv: s})
	s.rpcServer.Register(&Reservation{srv: s})
	s.rpcServer.Register(&Operator{srv: s})
}

// listen accepts connections until shutdown; each connection serves
// requests sequentially on its own goroutine.
func (s *Server) listen() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.logger.Error("rpc accept failed", "error", err)
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	codec := pool.NewServerCodec(conn)
	for {
		select {
		case <-s.shutdownCh:
			return
		default:
		}
		if err := s.rpcServer.ServeRequest(codec); err != nil {
			if !errors.Is(err, net.ErrClosed) && !strings.Contains(err.Error(), "EOF") {
				s.logger.Error("rpc request failed", "error", err)
			}
			return
		}
		metrics.IncrCounter([]string{"quarry", "rpc", "request"}, 1)
	}
}

// RPC invokes an endpoint in-process. Used by tests and the periodic
// agents; network callers go through the listener.
func (s *Server) RPC(method string, args, reply interface{}) error {
	parts := strings.SplitN(method, ".", 2)
	if len(parts) != 2 {
		return structs.NewInvalidRequestError("malformed rpc method %q", method)
	}
	codec := &inmemCodec{method: method, args: args, reply: reply}
	if err := s.rpcServer.ServeRequest(codec); err != nil {
		return err
	}
	return codec.err
}

// checkRequest is the handler prologue: it refuses work during shutdown
// and enforces the caller's deadline, defaulting to message_timeout.
func (s *Server) checkRequest(info structs.RPCInfo) error {
	select {
	case <-s.shutdownCh:
		return structs.ErrShutdown
	default:
	}
	deadline := info.RequestDeadline()
	if !deadline.IsZero() && time.Now().After(deadline) {
		metrics.IncrCounter([]string{"quarry", "rpc", "deadline"}, 1)
		return fmt.Errorf("request expired: %w", structs.ErrDeadlineExceeded)
	}
	return nil
}

// inmemCodec carries one request through the rpc server without
// serialization.
type inmemCodec struct {
	method string
	args   interface{}
	reply  interface{}
	err    error
	done   bool
}

func (c *inmemCodec) ReadRequestHeader(req *rpc.Request) error {
	if c.done {
		return fmt.Errorf("request already served")
	}
	c.done = true
	req.ServiceMethod = c.method
	req.Seq = 1
	return nil
}

func (c *inmemCodec) ReadRequestBody(out interface{}) error {
	if out == nil {
		return nil
	}
	return copyViaMsgpack(out, c.args)
}

func (c *inmemCodec) WriteResponse(resp *rpc.Response, body interface{}) error {
	if resp.Error != "" {
		c.err = errors.New(resp.Error)
		return nil
	}
	return copyViaMsgpack(c.reply, body)
}

func (c *inmemCodec) Close() error { return nil }

// copyViaMsgpack round-trips a value through the wire codec so in-proc
// calls see the same field behavior as network calls.
func copyViaMsgpack(dst, src interface{}) error {
	buf, err := encodeMsgpack(src)
	if err != nil {
		return err
	}
	return decodeMsgpack(buf, dst)
}
