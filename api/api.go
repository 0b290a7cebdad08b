// Package api exposes a node's state over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/sirupsen/logrus"
	"resty.dev/v3"

	"ocpp_node/adapter"
	"ocpp_node/frame"
	"ocpp_node/netpath"
	"ocpp_node/pending"
)

const (
	_API_NAME    = "OCPP node"
	_API_VERSION = "0.1.0"

	EP_STATUS   = "/status"
	EP_REQUESTS = "/requests"
)

type StatusResp struct {
	Body struct {
		Node    string        `json:"node" example:"NN1" doc:"identity of the node"`
		Peers   []string      `json:"peers" doc:"directly connected peers"`
		Actions []string      `json:"actions" doc:"actions this node answers"`
		Stats   adapter.Stats `json:"stats"`
		Uptime  string        `json:"uptime" example:"1h2m3s"`
	}
}

type CancelReq struct {
	ID string `path:"id" maxLength:"36" doc:"id of the pending request"`
}

type Server struct {
	node    *adapter.Adapter
	peers   func() []netpath.NodeID
	started time.Time
	log     *logrus.Entry

	mux  *http.ServeMux
	api  huma.API
	http *http.Server
}

// NewServer builds the API for node. peers may be nil.
func NewServer(node *adapter.Adapter, peers func() []netpath.NodeID, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		node:    node,
		peers:   peers,
		started: time.Now(),
		log:     log.WithField("component", "api"),
		mux:     http.NewServeMux(),
	}
	s.api = humago.New(s.mux, huma.DefaultConfig(_API_NAME, _API_VERSION))

	huma.Register(s.api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        EP_STATUS,
		Summary:     "Node status and counters",
	}, s.handleStatus)
	huma.Register(s.api, huma.Operation{
		OperationID:   "cancel-request",
		Method:        http.MethodDelete,
		Path:          EP_REQUESTS + "/{id}",
		Summary:       "Cancel a pending request",
		DefaultStatus: http.StatusNoContent,
	}, s.handleCancel)
	return s
}

func (s *Server) handleStatus(ctx context.Context, _ *struct{}) (*StatusResp, error) {
	resp := &StatusResp{}
	resp.Body.Node = string(s.node.ID())
	resp.Body.Peers = []string{}
	if s.peers != nil {
		for _, p := range s.peers() {
			resp.Body.Peers = append(resp.Body.Peers, string(p))
		}
	}
	resp.Body.Actions = s.node.Actions()
	sort.Strings(resp.Body.Actions)
	resp.Body.Stats = s.node.Stats()
	resp.Body.Uptime = time.Since(s.started).Truncate(time.Second).String()
	return resp, nil
}

func (s *Server) handleCancel(ctx context.Context, req *CancelReq) (*struct{}, error) {
	if err := s.node.Cancel(frame.RequestID(req.ID)); err != nil {
		if errors.Is(err, pending.ErrNotFound) {
			return nil, huma.Error404NotFound("no pending request " + req.ID)
		}
		return nil, huma.Error500InternalServerError(err.Error())
	}
	s.log.WithField("id", req.ID).Info("request cancelled")
	return nil, nil
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe blocks until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.mux, ReadHeaderTimeout: 5 * time.Second}
	s.log.Infof("status api listening on %v", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Status queries the status endpoint of the node at addrStr, of the form
// "http://<host>:<port>".
func Status(addrStr string) (*resty.Response, StatusResp, error) {
	cli := resty.New()
	defer cli.Close()

	sr := StatusResp{}
	res, err := cli.R().
		SetResult(&(sr.Body)).
		Get(strings.TrimSuffix(addrStr, "/") + EP_STATUS)
	return res, sr, err
}

// Cancel cancels the pending request id on the node at addrStr.
func Cancel(addrStr string, id string) (*resty.Response, error) {
	cli := resty.New()
	defer cli.Close()

	return cli.R().
		SetPathParam("id", id).
		Delete(strings.TrimSuffix(addrStr, "/") + EP_REQUESTS + "/{id}")
}
