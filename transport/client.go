package transport

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/lorenzodonini/ocpp-go/ws"
	"github.com/sirupsen/logrus"

	"ocpp_node/frame"
	"ocpp_node/netpath"
)

type wsClient interface {
	Start(url string) error
	Stop()
	Write(data []byte) error
}

// Client is the single upstream connection of a charging station or networking
// node. Every frame, whatever its next hop, leaves through it.
type Client struct {
	ws       wsClient
	upstream netpath.NodeID
	format   frame.Format
	receiver Receiver
	log      *logrus.Entry

	ctx       context.Context
	cancel    context.CancelFunc
	connected atomic.Bool
}

// NewClient creates the upstream link. Use FormatEnvelope when the upstream is a
// networking node or CSMS that understands routing metadata.
func NewClient(upstream netpath.NodeID, receiver Receiver, format frame.Format, log *logrus.Entry, onDisconnect func(err error)) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		upstream: upstream,
		format:   format,
		receiver: receiver,
		log:      log.WithFields(logrus.Fields{"transport": "ws-client", "upstream": string(upstream)}),
		ctx:      ctx,
		cancel:   cancel,
	}

	client := ws.NewClient()
	client.SetMessageHandler(func(data []byte) error {
		if _, err := deliver(c.ctx, c.receiver, c.upstream, data); err != nil {
			c.log.Warnf("invalid message: %v", err)
		}
		return nil
	})
	client.SetDisconnectedHandler(func(err error) {
		c.connected.Store(false)
		c.log.Warnf("disconnected: %v", err)
		if onDisconnect != nil {
			onDisconnect(err)
		}
	})
	client.SetReconnectedHandler(func() {
		c.connected.Store(true)
		c.log.Info("reconnected")
	})
	c.ws = client
	return c
}

// Start dials url; the node id is appended as the last path element as OCPP expects.
func (c *Client) Start(url string, self netpath.NodeID) error {
	full := strings.TrimSuffix(url, "/") + "/" + string(self)
	if err := c.ws.Start(full); err != nil {
		return err
	}
	c.connected.Store(true)
	c.log.Infof("connected to %v", full)
	return nil
}

func (c *Client) Stop() {
	c.cancel()
	c.connected.Store(false)
	c.ws.Stop()
}

func (c *Client) Reaches(id netpath.NodeID) bool {
	return c.connected.Load() && id == c.upstream
}

func (c *Client) SendFrame(ctx context.Context, nextHop netpath.NodeID, f *frame.Frame) error {
	if c.ctx.Err() != nil {
		return ErrStopped
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}
	data, err := frame.Encode(f, c.format)
	if err != nil {
		return err
	}
	return c.ws.Write(data)
}
