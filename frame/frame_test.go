package frame

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocppj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocpp_node/netpath"
)

func TestEncodeCall(t *testing.T) {
	f := NewCall("42", "BootNotification", json.RawMessage(`{"reason":"PowerUp"}`))
	bt, err := Encode(f, FormatOCPPJ)
	require.NoError(t, err)
	assert.JSONEq(t, `[2,"42","BootNotification",{"reason":"PowerUp"}]`, string(bt))
}

func TestEncodeEmptyPayloadIsObject(t *testing.T) {
	bt, err := Encode(NewCallResult("7", nil), FormatOCPPJ)
	require.NoError(t, err)
	assert.JSONEq(t, `[3,"7",{}]`, string(bt))
}

func TestEncodeError(t *testing.T) {
	f := NewCallError("44", ocppj.NotImplemented, "no handler", nil)
	bt, err := Encode(f, FormatOCPPJ)
	require.NoError(t, err)
	assert.JSONEq(t, `[4,"44","NotImplemented","no handler",{}]`, string(bt))

	f = NewCallResultError("45", ocppj.InternalError, "boom", json.RawMessage(`{"x":1}`))
	bt, err = Encode(f, FormatOCPPJ)
	require.NoError(t, err)
	assert.JSONEq(t, `[5,"45","InternalError","boom",{"x":1}]`, string(bt))
}

func TestDecodeOCPPJ(t *testing.T) {
	f, format, err := Decode([]byte(` [2,"1","Heartbeat",{}]`))
	require.NoError(t, err)
	assert.Equal(t, FormatOCPPJ, format)
	assert.Equal(t, Call, f.Type)
	assert.Equal(t, RequestID("1"), f.ID)
	assert.Equal(t, "Heartbeat", f.Action)
	assert.JSONEq(t, `{}`, string(f.Payload))

	f, _, err = Decode([]byte(`[4,"2","FormatViolation","bad",{"field":"reason"}]`))
	require.NoError(t, err)
	assert.Equal(t, CallError, f.Type)
	assert.Equal(t, ocppj.FormatViolationV2, f.ErrorCode)
	assert.Equal(t, "bad", f.ErrorDescription)
	assert.Equal(t, "2", f.AsOCPPError().MessageId)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `[2,"1"`,
		"too short":       `[3,"1"]`,
		"call arity":      `[2,"1","Heartbeat"]`,
		"empty id":        `[3,"",{}]`,
		"numeric id":      `[3,5,{}]`,
		"empty action":    `[2,"1","",{}]`,
		"long id":         `[3,"0123456789012345678901234567890123456789",{}]`,
		"scalar":          `42`,
		"empty":           `   `,
		"no message body": `{"destination":["A"]}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Decode([]byte(in))
			assert.Error(t, err)
		})
	}
}

func TestDecodeUnknownTypeKeepsID(t *testing.T) {
	_, _, err := Decode([]byte(`[9,"abc",{}]`))
	var ute *UnknownTypeError
	require.True(t, errors.As(err, &ute))
	assert.Equal(t, RequestID("abc"), ute.ID)
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestEnvelopeCarriesMetadata(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f := NewCall("9", "Reset", json.RawMessage(`{"type":"Immediate"}`))
	f.Destination = netpath.New("CSMS", "NN1", "CS1")
	f.NetworkPath = netpath.New("CSMS")
	f.EventTrackingID = "evt-1"
	f.Timestamp = ts

	bt, err := Encode(f, FormatEnvelope)
	require.NoError(t, err)

	got, format, err := Decode(bt)
	require.NoError(t, err)
	assert.Equal(t, FormatEnvelope, format)
	assert.Equal(t, f.ID, got.ID)
	assert.Equal(t, f.Action, got.Action)
	assert.True(t, got.Destination.Equal(f.Destination))
	assert.True(t, got.NetworkPath.Equal(f.NetworkPath))
	assert.Equal(t, "evt-1", got.EventTrackingID)
	assert.True(t, ts.Equal(got.Timestamp))
}

func TestMarshalRequiresAction(t *testing.T) {
	_, err := json.Marshal(&Frame{Type: Call, ID: "1"})
	assert.ErrorIs(t, err, ErrMissingAction)
}

func TestMessageTypeHelpers(t *testing.T) {
	assert.True(t, CallResult.IsAnswer())
	assert.True(t, CallError.IsAnswer())
	assert.False(t, CallResultError.IsAnswer())
	assert.True(t, CallResultError.IsError())
	assert.False(t, MessageType(7).IsValid())
	assert.Equal(t, "CALLERROR", CallError.String())
}
