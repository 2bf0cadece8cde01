// Package server runs the request/reply loop: one receiver goroutine owns
// the ROUTER socket's read side, a worker pool executes handlers, and one
// sender goroutine owns the write side. Identity frames travel with the task
// so replies route back to the right peer.
package server

import (
	"context"
	"sync"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"msgplane/internal/rpc"
)

const queueDepth = 1024

// task is one request in flight: the routing envelope plus the body frame.
type task struct {
	envelope [][]byte
	body     []byte
}

// Server drives the RPC socket.
type Server struct {
	handler *rpc.Handler
	log     *zap.Logger
	workers int
}

// New wires a server with the given worker count.
func New(handler *rpc.Handler, log *zap.Logger, workers int) *Server {
	if workers < 1 {
		workers = 1
	}
	return &Server{handler: handler, log: log, workers: workers}
}

// Run blocks until ctx is cancelled and the pipeline has drained. Closing the
// socket unblocks the pending Recv; tasks already queued are still answered.
func (s *Server) Run(ctx context.Context, router zmq4.Socket) {
	tasks := make(chan task, queueDepth)
	results := make(chan zmq4.Msg, queueDepth)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				resp := s.handler.HandleBody(t.body)
				frames := make([][]byte, 0, len(t.envelope)+1)
				frames = append(frames, t.envelope...)
				frames = append(frames, resp)
				results <- zmq4.NewMsgFrom(frames...)
			}
		}()
	}

	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		for msg := range results {
			if err := router.Send(msg); err != nil {
				s.log.Debug("rpc send failed", zap.Error(err))
			}
		}
	}()

	s.log.Info("rpc server running", zap.Int("workers", s.workers))
	for {
		msg, err := router.Recv()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.log.Debug("rpc recv failed", zap.Error(err))
			continue
		}
		if len(msg.Frames) < 2 {
			s.log.Debug("rpc message missing body frame", zap.Int("frames", len(msg.Frames)))
			continue
		}
		n := len(msg.Frames)
		// Blocking send: a full queue applies back pressure to the socket
		// instead of dropping requests.
		tasks <- task{envelope: msg.Frames[:n-1], body: msg.Frames[n-1]}
	}

	close(tasks)
	wg.Wait()
	close(results)
	<-senderDone
	s.log.Info("rpc server stopped")
}
