package actions

import (
	"context"
	"encoding/json"

	"ocpp_node/adapter"
	"ocpp_node/common"
	"ocpp_node/netpath"
)

type sendCommand struct {
	Action  string          `json:"action" validate:"required"`
	Payload json.RawMessage `json:"payload"`
}

// Send forwards any OCPP action with a caller supplied payload and returns the raw
// answer. It covers the messages without a dedicated command.
func (na *NodeActions) Send(ctx context.Context, destination netpath.NetworkPath, payload []byte, responseChannel chan<- common.Response) {
	var cmd sendCommand
	if e := na.decode(payload, &cmd, "command.send.payload.not.valid", "Se requiere la acción OCPP a enviar."); e != nil {
		responseChannel <- common.Response{Err: e}
		return
	}

	req := adapter.NewRawRequest(cmd.Action, cmd.Payload, destination.Hops()...)
	responseChannel <- call(ctx, na, req, func(answer json.RawMessage) interface{} {
		return answer
	})
}
