package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/provisioning"
	"github.com/lorenzodonini/ocpp-go/ocppj"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocpp_node/frame"
	"ocpp_node/netpath"
	"ocpp_node/pending"
	"ocpp_node/signature"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestAdapter(id netpath.NodeID, opts ...Option) *Adapter {
	return New(id, append([]Option{WithLogger(quietLogger())}, opts...)...)
}

func fixedID(id frame.RequestID) Option {
	return WithIDGenerator(func() frame.RequestID { return id })
}

type sentFrame struct {
	next netpath.NodeID
	f    *frame.Frame
}

// capture records outgoing frames instead of sending them.
type capture struct {
	ch  chan sentFrame
	err error
}

func newCapture() *capture {
	return &capture{ch: make(chan sentFrame, 32)}
}

func (c *capture) SendFrame(_ context.Context, next netpath.NodeID, f *frame.Frame) error {
	if c.err != nil {
		return c.err
	}
	c.ch <- sentFrame{next: next, f: f}
	return nil
}

func (c *capture) next(t *testing.T) sentFrame {
	t.Helper()
	select {
	case s := <-c.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no frame was sent")
	}
	return sentFrame{}
}

// answerAfter answers every request with reply, built from the request, after delay.
func answerAfter(a *Adapter, delay time.Duration, reply func(f *frame.Frame) *frame.Frame) Sender {
	return SenderFunc(func(_ context.Context, next netpath.NodeID, f *frame.Frame) error {
		go func() {
			time.Sleep(delay)
			a.HandleInbound(context.Background(), next, reply(f))
		}()
		return nil
	})
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Kind)
	}
	return out
}

func resetRequest() *Request {
	return NewRequest(&provisioning.ResetRequest{Type: provisioning.ResetTypeImmediate}, "CS1")
}

func TestValidResponse(t *testing.T) {
	events := &eventLog{}
	a := newTestAdapter("CSMS", fixedID("42"), WithObserver(events.observe))
	a.SetSender(answerAfter(a, 50*time.Millisecond, func(f *frame.Frame) *frame.Frame {
		return frame.NewCallResult(f.ID, json.RawMessage(`{"status":"Accepted"}`))
	}))

	res := Call[provisioning.ResetResponse](context.Background(), a, resetRequest())

	require.Equal(t, ValidResponse, res.Kind, "%v", res.Err)
	assert.True(t, res.OK())
	assert.NoError(t, res.AsError())
	assert.Equal(t, frame.RequestID("42"), res.RequestID)
	assert.Equal(t, "Reset", res.Action)
	assert.Equal(t, provisioning.ResetStatusAccepted, res.Response.Status)
	assert.JSONEq(t, `{"status":"Accepted"}`, string(res.RawResponse))
	assert.GreaterOrEqual(t, res.Runtime(), 50*time.Millisecond)
	assert.Equal(t, "CS1", res.NetworkPath.String())
	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, []EventKind{RequestSent, ResponseReceived}, events.kinds())

	stats := a.Stats()
	assert.Equal(t, uint64(1), stats.Sent)
	assert.Equal(t, uint64(1), stats.Answered)
}

func TestOutgoingFrameCarriesRoutingMetadata(t *testing.T) {
	c := newCapture()
	a := newTestAdapter("CSMS", fixedID("1"), WithSender(c))

	req := resetRequest()
	req.Destination = netpath.New("NN1", "CS1")
	req.EventTrackingID = "trk-1"
	req.Timeout = 50 * time.Millisecond
	done := make(chan Result[json.RawMessage], 1)
	go func() { done <- a.SendAndWait(context.Background(), req) }()

	s := c.next(t)
	assert.Equal(t, netpath.NodeID("NN1"), s.next)
	assert.Equal(t, frame.Call, s.f.Type)
	assert.Equal(t, "Reset", s.f.Action)
	assert.Equal(t, "CSMS -> NN1 -> CS1", s.f.Destination.String())
	assert.Equal(t, "CSMS", s.f.NetworkPath.String())
	assert.Equal(t, "trk-1", s.f.EventTrackingID)
	assert.JSONEq(t, `{"type":"Immediate"}`, string(s.f.Payload))

	assert.Equal(t, Timeout, (<-done).Kind)
}

func TestTimeout(t *testing.T) {
	a := newTestAdapter("CSMS", fixedID("43"), WithSender(newCapture()))

	req := NewRawRequest("Heartbeat", nil, "CS1")
	req.Timeout = 100 * time.Millisecond
	res := a.SendAndWait(context.Background(), req)

	require.Equal(t, Timeout, res.Kind)
	assert.ErrorIs(t, res.Err, ErrTimeout)
	assert.ErrorIs(t, res.AsError(), ErrTimeout)
	assert.GreaterOrEqual(t, res.Runtime(), 100*time.Millisecond)
	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, uint64(1), a.Stats().Timeouts)

	// A late answer finds nothing to resolve.
	a.HandleInbound(context.Background(), "CS1", frame.NewCallResult("43", nil))
	assert.Equal(t, uint64(1), a.Stats().Unsolicited)
}

func TestDefaultTimeoutApplies(t *testing.T) {
	a := newTestAdapter("CSMS", WithSender(newCapture()), WithDefaultTimeout(30*time.Millisecond))
	res := a.SendAndWait(context.Background(), NewRawRequest("Heartbeat", nil, "CS1"))
	assert.Equal(t, Timeout, res.Kind)
}

func TestProtocolError(t *testing.T) {
	events := &eventLog{}
	a := newTestAdapter("CSMS", fixedID("44"), WithObserver(events.observe))
	a.SetSender(answerAfter(a, 0, func(f *frame.Frame) *frame.Frame {
		return frame.NewCallError(f.ID, ocppj.NotImplemented, "no such action", json.RawMessage(`{"hint":1}`))
	}))

	res := a.SendAndWait(context.Background(), NewRawRequest("DataTransfer", nil, "CS1"))

	require.Equal(t, RequestError, res.Kind)
	require.NotNil(t, res.ProtocolError)
	assert.Equal(t, ocppj.NotImplemented, res.ProtocolError.Code)
	assert.Equal(t, "no such action", res.ProtocolError.Description)
	assert.JSONEq(t, `{"hint":1}`, string(res.ErrorDetails))
	assert.ErrorIs(t, res.AsError(), ErrRequestError)
	assert.Equal(t, 0, a.Pending())
	assert.Contains(t, events.kinds(), RequestErrorReceived)
}

func TestUnsolicitedAnswerLeavesTableUntouched(t *testing.T) {
	events := &eventLog{}
	c := newCapture()
	a := newTestAdapter("CSMS", fixedID("1"), WithSender(c), WithObserver(events.observe))

	done := make(chan Result[json.RawMessage], 1)
	go func() { done <- a.SendAndWait(context.Background(), NewRawRequest("Heartbeat", nil, "CS1")) }()
	c.next(t)
	require.Equal(t, 1, a.Pending())

	a.HandleInbound(context.Background(), "CS1", frame.NewCallResult("999", nil))
	a.HandleInbound(context.Background(), "CS1", frame.NewCallError("998", ocppj.GenericError, "", nil))

	assert.Equal(t, 1, a.Pending())
	assert.Equal(t, uint64(2), a.Stats().Unsolicited)
	assert.Contains(t, events.kinds(), Unsolicited)

	a.HandleInbound(context.Background(), "CS1", frame.NewCallResult("1", nil))
	assert.Equal(t, ValidResponse, (<-done).Kind)
	assert.Equal(t, 0, a.Pending())
}

func TestSendFailure(t *testing.T) {
	c := newCapture()
	c.err = errors.New("socket closed")
	a := newTestAdapter("CSMS", WithSender(c))

	res := a.SendAndWait(context.Background(), NewRawRequest("Heartbeat", nil, "CS1"))

	require.Equal(t, SendFailure, res.Kind)
	assert.ErrorIs(t, res.Err, ErrSendFailure)
	assert.ErrorContains(t, res.Err, "socket closed")
	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, uint64(1), a.Stats().SendFailures)
	assert.Equal(t, uint64(0), a.Stats().Sent)
}

func TestOverlongRequestIDRejected(t *testing.T) {
	c := newCapture()
	a := newTestAdapter("CSMS", WithSender(c))

	req := NewRawRequest("Heartbeat", nil, "CS1")
	req.ID = frame.RequestID(strings.Repeat("x", frame.MaxRequestIDLength+1))
	start := time.Now()
	res := a.SendAndWait(context.Background(), req)

	require.Equal(t, SendFailure, res.Kind)
	assert.ErrorIs(t, res.Err, ErrInvalidRequestID)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, a.Pending())
	assert.Empty(t, c.ch)

	req = NewRawRequest("Heartbeat", nil, "CS1")
	req.ID = frame.RequestID(strings.Repeat("x", frame.MaxRequestIDLength))
	req.Timeout = 100 * time.Millisecond
	go a.SendAndWait(context.Background(), req)
	assert.Equal(t, req.ID, c.next(t).f.ID)
}

type explodingPayload struct{}

func (explodingPayload) MarshalJSON() ([]byte, error) {
	panic("marshal bug")
}

func TestPanicBeforeRegisterLeavesOtherCallerAlone(t *testing.T) {
	c := newCapture()
	a := newTestAdapter("CSMS", WithSender(c), WithDefaultTimeout(5*time.Second))

	first := make(chan Result[json.RawMessage], 1)
	go func() {
		req := NewRawRequest("Heartbeat", nil, "CS1")
		req.ID = "shared"
		first <- a.SendAndWait(context.Background(), req)
	}()
	assert.Equal(t, frame.RequestID("shared"), c.next(t).f.ID)

	req := NewRawRequest("Heartbeat", nil, "CS1")
	req.ID = "shared"
	req.Payload = explodingPayload{}
	res := a.SendAndWait(context.Background(), req)
	require.Equal(t, ExceptionOccurred, res.Kind)
	assert.Equal(t, 1, a.Pending())

	a.HandleInbound(context.Background(), "CS1", frame.NewCallResult("shared", json.RawMessage(`{}`)))
	select {
	case r := <-first:
		assert.Equal(t, ValidResponse, r.Kind, "%v", r.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("first caller never got its answer")
	}
}

func TestNoRoute(t *testing.T) {
	a := newTestAdapter("CSMS", WithSender(newCapture()))

	res := a.SendAndWait(context.Background(), NewRawRequest("Heartbeat", nil))
	assert.Equal(t, SendFailure, res.Kind)
	assert.ErrorIs(t, res.Err, ErrNoRoute)

	res = a.SendAndWait(context.Background(), NewRawRequest("Heartbeat", nil, "CSMS"))
	assert.ErrorIs(t, res.Err, ErrNoRoute)
}

func TestNoSender(t *testing.T) {
	a := newTestAdapter("CSMS")
	res := a.SendAndWait(context.Background(), NewRawRequest("Heartbeat", nil, "CS1"))
	assert.Equal(t, SendFailure, res.Kind)
	assert.ErrorIs(t, res.Err, ErrNoSender)
}

func TestDuplicateRequestID(t *testing.T) {
	c := newCapture()
	a := newTestAdapter("CSMS", fixedID("7"), WithSender(c))

	done := make(chan Result[json.RawMessage], 1)
	go func() { done <- a.SendAndWait(context.Background(), NewRawRequest("Heartbeat", nil, "CS1")) }()
	c.next(t)

	res := a.SendAndWait(context.Background(), NewRawRequest("Heartbeat", nil, "CS1"))
	assert.Equal(t, SendFailure, res.Kind)
	assert.ErrorIs(t, res.Err, pending.ErrDuplicateRequestID)

	require.NoError(t, a.Cancel("7"))
	assert.Equal(t, Cancelled, (<-done).Kind)
}

func TestFormationViolation(t *testing.T) {
	a := newTestAdapter("CSMS")
	a.SetSender(answerAfter(a, 0, func(f *frame.Frame) *frame.Frame {
		return frame.NewCallResult(f.ID, json.RawMessage(`{"status":5}`))
	}))

	res := Call[provisioning.ResetResponse](context.Background(), a, resetRequest())

	require.Equal(t, FormationViolation, res.Kind)
	assert.ErrorIs(t, res.Err, ErrFormationViolation)
	assert.JSONEq(t, `{"status":5}`, string(res.RawResponse))
}

func TestNonObjectResponseIsFormationViolation(t *testing.T) {
	a := newTestAdapter("CSMS")
	a.SetSender(answerAfter(a, 0, func(f *frame.Frame) *frame.Frame {
		return frame.NewCallResult(f.ID, json.RawMessage(`"not an object"`))
	}))

	res := Call[provisioning.ResetResponse](context.Background(), a, resetRequest())

	require.Equal(t, FormationViolation, res.Kind, "%v", res.Err)
	assert.ErrorIs(t, res.Err, ErrFormationViolation)
	assert.NotErrorIs(t, res.Err, ErrSignature)
}

type statusResponse struct {
	Status string `json:"status" validate:"required,oneof=Accepted Rejected"`
}

func (statusResponse) GetFeatureName() string { return "Reset" }

func TestResponseValidator(t *testing.T) {
	a := newTestAdapter("CSMS", WithResponseValidator(validator.New()))
	answer := `{"status":"Maybe"}`
	a.SetSender(answerAfter(a, 0, func(f *frame.Frame) *frame.Frame {
		return frame.NewCallResult(f.ID, json.RawMessage(answer))
	}))

	res := Call[statusResponse](context.Background(), a, NewRawRequest("Reset", nil, "CS1"))
	assert.Equal(t, FormationViolation, res.Kind)

	answer = `{"status":"Rejected"}`
	res = Call[statusResponse](context.Background(), a, NewRawRequest("Reset", nil, "CS1"))
	require.Equal(t, ValidResponse, res.Kind, "%v", res.Err)
	assert.Equal(t, "Rejected", res.Response.Status)
}

func TestMandatorySignatureBlocksSend(t *testing.T) {
	policy, err := signature.NewPolicy(signature.WithRule(signature.Rule{Action: "Reset", Mandatory: true}))
	require.NoError(t, err)

	sent := false
	a := newTestAdapter("CSMS", WithPolicy(policy), WithSender(SenderFunc(func(context.Context, netpath.NodeID, *frame.Frame) error {
		sent = true
		return nil
	})))

	res := a.SendAndWait(context.Background(), resetRequest())

	require.Equal(t, SignatureError, res.Kind)
	assert.ErrorIs(t, res.Err, ErrSignature)
	assert.ErrorIs(t, res.Err, signature.ErrMandatorySignature)
	assert.False(t, sent)
	assert.Equal(t, 0, a.Pending())
}

func TestUnsignedResponseRejected(t *testing.T) {
	_, priv, err := ed25519Key()
	require.NoError(t, err)
	station := signature.NewEd25519Signer("cs1-key", priv)
	v, err := signature.VerifierFor(station)
	require.NoError(t, err)

	policy, err := signature.NewPolicy(
		signature.WithTrustedKey(v, "station"),
		signature.WithRule(signature.Rule{Action: "Reset", RequiredRoles: []string{"station"}}),
	)
	require.NoError(t, err)

	a := newTestAdapter("CSMS", WithPolicy(policy))
	a.SetSender(answerAfter(a, 0, func(f *frame.Frame) *frame.Frame {
		return frame.NewCallResult(f.ID, json.RawMessage(`{"status":"Accepted"}`))
	}))

	res := a.SendAndWait(context.Background(), resetRequest())
	require.Equal(t, SignatureError, res.Kind)
	assert.ErrorIs(t, res.Err, signature.ErrMissingSignature)
}

func TestContextCancellation(t *testing.T) {
	a := newTestAdapter("CSMS", WithSender(newCapture()))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := a.SendAndWait(ctx, NewRawRequest("Heartbeat", nil, "CS1"))

	require.Equal(t, Cancelled, res.Kind)
	assert.ErrorIs(t, res.Err, ErrCancelled)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Equal(t, 0, a.Pending())
}

func TestCancelByID(t *testing.T) {
	c := newCapture()
	a := newTestAdapter("CSMS", fixedID("c1"), WithSender(c))

	done := make(chan Result[json.RawMessage], 1)
	go func() { done <- a.SendAndWait(context.Background(), NewRawRequest("Heartbeat", nil, "CS1")) }()
	c.next(t)

	require.NoError(t, a.Cancel("c1"))
	res := <-done
	assert.Equal(t, Cancelled, res.Kind)
	assert.ErrorIs(t, res.Err, ErrCancelled)
	assert.ErrorIs(t, a.Cancel("c1"), pending.ErrNotFound)
}

func TestFailPending(t *testing.T) {
	c := newCapture()
	a := newTestAdapter("CSMS", WithSender(c))

	done := make(chan Result[json.RawMessage], 2)
	for i := 0; i < 2; i++ {
		go func() { done <- a.SendAndWait(context.Background(), NewRawRequest("Heartbeat", nil, "CS1")) }()
		c.next(t)
	}

	assert.Equal(t, 2, a.FailPending(errors.New("link down")))
	for i := 0; i < 2; i++ {
		res := <-done
		assert.Equal(t, SendFailure, res.Kind)
		assert.ErrorContains(t, res.Err, "link down")
	}
}

func TestPanickingObserverDoesNotBreakCall(t *testing.T) {
	events := &eventLog{}
	a := newTestAdapter("CSMS",
		WithObserver(func(Event) { panic("boom") }),
		WithObserver(events.observe),
	)
	a.SetSender(answerAfter(a, 0, func(f *frame.Frame) *frame.Frame {
		return frame.NewCallResult(f.ID, nil)
	}))

	res := a.SendAndWait(context.Background(), NewRawRequest("Heartbeat", nil, "CS1"))
	assert.Equal(t, ValidResponse, res.Kind)
	assert.Equal(t, []EventKind{RequestSent, ResponseReceived}, events.kinds())
}

func TestPanickingSenderIsContained(t *testing.T) {
	a := newTestAdapter("CSMS", WithSender(SenderFunc(func(context.Context, netpath.NodeID, *frame.Frame) error {
		panic("driver bug")
	})))

	res := a.SendAndWait(context.Background(), NewRawRequest("Heartbeat", nil, "CS1"))
	assert.Equal(t, ExceptionOccurred, res.Kind)
	assert.ErrorIs(t, res.Err, ErrExceptionOccurred)
	assert.Equal(t, 0, a.Pending())
}

func TestConcurrentCallsAreCorrelated(t *testing.T) {
	a := newTestAdapter("CSMS")
	a.SetSender(answerAfter(a, time.Millisecond, func(f *frame.Frame) *frame.Frame {
		// Echo the request so every caller can check it got its own answer.
		return frame.NewCallResult(f.ID, f.Payload)
	}))

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload, _ := json.Marshal(map[string]int{"n": i})
			res := a.SendAndWait(context.Background(), NewRawRequest("DataTransfer", payload, "CS1"))
			if res.Kind != ValidResponse || string(res.Response) != string(payload) {
				errs <- errors.New("mismatched answer for " + string(payload))
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, uint64(n), a.Stats().Answered)
}
