// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/kadencartwright/jirafs/lib/syncengine"
)

// controlRequest is the wire shape of one control-socket request.
// Unlike the teacher's lib/service/socket.go (CBOR over a length-
// delimited connection), this protocol is newline-delimited JSON: one
// JSON object per line, one line per request, one line per response.
// JSON keeps a detached daemon inspectable with plain `nc`/`jq` during
// development, which CBOR would not allow; the teacher's own
// lib/service picks CBOR because its requests cross a trust boundary
// shared with many fleet services, a concern this single-user,
// loopback-only socket does not have.
type controlRequest struct {
	Action     string                 `json:"action"`
	Kind       syncengine.TriggerKind `json:"kind,omitempty"`
	Workspaces []syncengine.Workspace `json:"workspaces,omitempty"`
}

type controlResponse struct {
	OK         bool                     `json:"ok"`
	Error      string                   `json:"error,omitempty"`
	Status     *syncengine.Status       `json:"status,omitempty"`
	Accepted   bool                     `json:"accepted,omitempty"`
	Reason     syncengine.TriggerReason `json:"reason,omitempty"`
	Workspaces []syncengine.Workspace   `json:"workspaces,omitempty"`
}

// controlServer serves the get_status/trigger_sync/get_workspaces/
// save_workspaces protocol over a Unix socket, one connection per
// request, matching the teacher's SocketServer connection lifecycle.
type controlServer struct {
	socketPath string
	controller syncengine.Controller
	logger     *slog.Logger

	active sync.WaitGroup
}

func newControlServer(socketPath string, controller syncengine.Controller, logger *slog.Logger) *controlServer {
	return &controlServer{socketPath: socketPath, controller: controller, logger: logger}
}

// Serve accepts connections until ctx is cancelled, then waits for
// in-flight requests to finish before returning.
func (s *controlServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale control socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("control socket listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("control socket accept failed", "error", err)
			continue
		}
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handle(ctx, conn)
		}()
	}

	s.active.Wait()
	return nil
}

const controlReadTimeout = 5 * time.Second
const controlWriteTimeout = 5 * time.Second

func (s *controlServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(controlReadTimeout))

	var req controlRequest
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&req); err != nil {
		s.writeResponse(conn, controlResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	resp := s.dispatch(ctx, req)
	s.writeResponse(conn, resp)
}

func (s *controlServer) dispatch(ctx context.Context, req controlRequest) controlResponse {
	switch req.Action {
	case "get_status":
		status := s.controller.GetStatus()
		return controlResponse{OK: true, Status: &status}
	case "trigger_sync":
		accepted, reason := s.controller.TriggerSync(req.Kind)
		return controlResponse{OK: true, Accepted: accepted, Reason: reason}
	case "get_workspaces":
		return controlResponse{OK: true, Workspaces: s.controller.GetWorkspaces()}
	case "save_workspaces":
		if err := s.controller.SaveWorkspaces(ctx, req.Workspaces); err != nil {
			return controlResponse{Error: err.Error()}
		}
		return controlResponse{OK: true}
	default:
		return controlResponse{Error: fmt.Sprintf("unknown action %q", req.Action)}
	}
}

func (s *controlServer) writeResponse(conn net.Conn, resp controlResponse) {
	conn.SetWriteDeadline(time.Now().Add(controlWriteTimeout))
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Debug("failed to write control response", "error", err)
	}
}

// controlClient is the other end of the protocol, used by the
// -status/-sync convenience flags to talk to an already-running
// daemon over its control socket.
type controlClient struct {
	socketPath string
}

func newControlClient(socketPath string) *controlClient {
	return &controlClient{socketPath: socketPath}
}

func (c *controlClient) call(req controlRequest) (controlResponse, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, 5*time.Second)
	if err != nil {
		return controlResponse{}, fmt.Errorf("connecting to control socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(10 * time.Second))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return controlResponse{}, fmt.Errorf("sending request: %w", err)
	}

	var resp controlResponse
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return controlResponse{}, fmt.Errorf("reading response: %w", err)
	}
	if !resp.OK {
		return controlResponse{}, fmt.Errorf("daemon reported error: %s", resp.Error)
	}
	return resp, nil
}

func (c *controlClient) GetStatus() (syncengine.Status, error) {
	resp, err := c.call(controlRequest{Action: "get_status"})
	if err != nil {
		return syncengine.Status{}, err
	}
	if resp.Status == nil {
		return syncengine.Status{}, fmt.Errorf("daemon returned no status")
	}
	return *resp.Status, nil
}

func (c *controlClient) TriggerSync(kind syncengine.TriggerKind) (bool, syncengine.TriggerReason, error) {
	resp, err := c.call(controlRequest{Action: "trigger_sync", Kind: kind})
	if err != nil {
		return false, "", err
	}
	return resp.Accepted, resp.Reason, nil
}
