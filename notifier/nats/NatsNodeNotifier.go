package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"ocpp_node/actions"
	"ocpp_node/adapter"
	"ocpp_node/common"
	"ocpp_node/netpath"
	"ocpp_node/notifier"
)

const (
	RequestSubject     = "request"
	EventSubjectPrefix = "ocpp.events."
)

type natsNodeNotifier struct {
	url          string
	notification chan notifier.Notification // events and notifications waiting to be published
	connection   *nats.Conn
	subscription *nats.Subscription
	validator    *validator.Validate

	mu       sync.RWMutex
	handlers map[string]actions.Function
	timeout  time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

func (ncs *natsNodeNotifier) SetTimeout(timeout time.Duration) {
	ncs.mu.Lock()
	defer ncs.mu.Unlock()
	ncs.timeout = timeout
}

func (ncs *natsNodeNotifier) Timeout() time.Duration {
	ncs.mu.RLock()
	defer ncs.mu.RUnlock()
	return ncs.timeout
}

func (ncs *natsNodeNotifier) AddHandler(action string, fn actions.Function) {
	ncs.mu.Lock()
	defer ncs.mu.Unlock()
	ncs.handlers[action] = fn
}

func (ncs *natsNodeNotifier) handler(action string) (actions.Function, bool) {
	ncs.mu.RLock()
	defer ncs.mu.RUnlock()
	fn, ok := ncs.handlers[action]
	return fn, ok
}

// SetChannel replaces the channel notifications are read from. Call it before Start.
func (ncs *natsNodeNotifier) SetChannel(notification chan notifier.Notification) {
	ncs.notification = notification
}

func (ncs *natsNodeNotifier) Channel() chan notifier.Notification {
	return ncs.notification
}

type eventMessage struct {
	Event           string    `json:"event"`
	Node            string    `json:"node"`
	Peer            string    `json:"peer,omitempty"`
	RequestID       string    `json:"requestId"`
	Action          string    `json:"action,omitempty"`
	EventTrackingID string    `json:"eventTrackingId,omitempty"`
	Outcome         string    `json:"outcome,omitempty"`
	ErrorCode       string    `json:"errorCode,omitempty"`
	Error           string    `json:"error,omitempty"`
	At              time.Time `json:"at"`
}

// Observe is an adapter observer. It never blocks: when the queue is full the
// event is dropped.
func (ncs *natsNodeNotifier) Observe(e adapter.Event) {
	msg := eventMessage{
		Event:           e.Kind.String(),
		Node:            string(e.Node),
		Peer:            string(e.Peer),
		RequestID:       string(e.RequestID),
		Action:          e.Action,
		EventTrackingID: e.EventTrackingID,
		ErrorCode:       string(e.ErrorCode),
		At:              e.At,
	}
	if e.Outcome != 0 {
		msg.Outcome = e.Outcome.String()
	}
	if e.Err != nil {
		msg.Error = e.Err.Error()
	}

	select {
	case ncs.notification <- notifier.Notification{Topic: EventSubjectPrefix + e.Kind.String(), Data: msg}:
	default:
		log.WithField("event", e.Kind.String()).Warn("notification queue full, dropping event")
	}
}

func (ncs *natsNodeNotifier) notificationFromNode() {
	defer ncs.wg.Done()
	for {
		select {
		case <-ncs.done:
			return
		case n := <-ncs.notification:
			bt, err := json.Marshal(n.Data)
			if err != nil {
				log.Error(err)
				continue
			}
			if err := ncs.connection.Publish(n.Topic, bt); err != nil {
				log.WithField("topic", n.Topic).Errorf("couldn't publish: %v", err)
			}
		}
	}
}

func respond(response common.Response) []byte {
	bt, err := json.Marshal(response)
	if err != nil {
		bt, _ = json.Marshal(common.Failure("command.response.not.valid", "La respuesta no se pudo serializar"))
	}
	return bt
}

// handleCommand runs one bridge command and returns the encoded reply.
func (ncs *natsNodeNotifier) handleCommand(data []byte) []byte {
	var command common.Command
	if err := json.Unmarshal(data, &command); err != nil || ncs.validator.Struct(&command) != nil {
		log.Errorf("invalid command: %v", string(data))
		return respond(common.Failure("command.format.not.valid", "El comando no es válido"))
	}

	fn, exists := ncs.handler(command.Action)
	if !exists {
		log.Errorf("unknown command action: %v", command.Action)
		return respond(common.Failure("command.action.not.found", fmt.Sprintf("No existe la acción \"%v\"", command.Action)))
	}

	hops := make([]netpath.NodeID, 0, len(command.Via)+1)
	for _, via := range command.Via {
		hops = append(hops, netpath.NodeID(via))
	}
	destination := netpath.New(append(hops, netpath.NodeID(command.NodeId))...)
	payload, _ := json.Marshal(command.Payload)

	ctx, cancel := context.WithTimeout(context.Background(), ncs.Timeout())
	defer cancel()
	responseChannel := make(chan common.Response, 1)
	go fn(ctx, destination, payload, responseChannel)

	select {
	case response := <-responseChannel:
		bt := respond(response)
		log.Debugf("RequestHandler => Response, %v", string(bt))
		return bt
	case <-ctx.Done():
		log.WithField("client", command.NodeId).Errorf("command %v timed out", command.Action)
		return respond(common.Failure("request.timeout", "Ha caducado el tiempo de respuesta de la solicitud"))
	}
}

// requestHandler serves the request/reply subject.
func (ncs *natsNodeNotifier) requestHandler() error {
	sub, err := ncs.connection.Subscribe(RequestSubject, func(m *nats.Msg) {
		log.Debugf("RequestHandler, %+v", string(m.Data))
		if err := m.Respond(ncs.handleCommand(m.Data)); err != nil {
			log.Errorf("couldn't respond: %v", err)
		}
	})
	if err != nil {
		return err
	}
	ncs.subscription = sub
	return nil
}

func (ncs *natsNodeNotifier) Start() error {
	nc, err := nats.Connect(ncs.url, nats.Name("ocpp-node"))
	if err != nil {
		return fmt.Errorf("couldn't connect to NATS at %v: %w", ncs.url, err)
	}
	ncs.connection = nc
	if err := ncs.requestHandler(); err != nil {
		nc.Close()
		return err
	}
	ncs.wg.Add(1)
	go ncs.notificationFromNode()
	return nil
}

func (ncs *natsNodeNotifier) Stop() {
	if ncs.connection == nil {
		return
	}
	close(ncs.done)
	ncs.wg.Wait()
	if ncs.subscription != nil {
		_ = ncs.subscription.Unsubscribe()
	}
	ncs.connection.Close()
	log.Info("NatsStopped")
}

// New creates a notifier for the NATS server at url; an empty url means nats.DefaultURL.
func New(url string) *natsNodeNotifier {
	if url == "" {
		url = nats.DefaultURL
	}
	return &natsNodeNotifier{
		url:          url,
		notification: make(chan notifier.Notification, 256),
		validator:    validator.New(),
		handlers:     make(map[string]actions.Function),
		timeout:      30 * time.Second,
		done:         make(chan struct{}),
	}
}
