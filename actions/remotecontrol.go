package actions

import (
	"context"
	"fmt"

	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/remotecontrol"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/types"

	"ocpp_node/adapter"
	"ocpp_node/common"
	"ocpp_node/netpath"
)

type requestStartCommand struct {
	IdToken       string `json:"idToken" validate:"required,max=36"`
	Type          string `json:"type" validate:"omitempty"`
	EvseID        *int   `json:"evseId,omitempty" validate:"omitempty,gt=0"`
	RemoteStartID int    `json:"remoteStartId" validate:"gte=0"`
}

func (na *NodeActions) RequestStartTransaction(ctx context.Context, destination netpath.NetworkPath, payload []byte, responseChannel chan<- common.Response) {
	cmd := requestStartCommand{Type: "Central"}
	if e := na.decode(payload, &cmd, "command.request.start.transaction.payload.not.valid", "Campos no válidos para iniciar una transacción remota."); e != nil {
		responseChannel <- common.Response{Err: e}
		return
	}

	request := &remotecontrol.RequestStartTransactionRequest{
		EvseID:        cmd.EvseID,
		RemoteStartID: cmd.RemoteStartID,
		IDToken:       types.IdToken{IdToken: cmd.IdToken, Type: types.IdTokenType(cmd.Type)},
	}
	req := adapter.NewRequest(request, destination.Hops()...)
	responseChannel <- call(ctx, na, req, func(confirmation remotecontrol.RequestStartTransactionResponse) interface{} {
		message := fmt.Sprintf("Se ha aceptado el inicio de la transacción para %v", cmd.IdToken)
		if confirmation.Status != remotecontrol.RequestStartStopStatusAccepted {
			message = fmt.Sprintf("Se ha rechazado el inicio de la transacción para %v", cmd.IdToken)
		}
		return map[string]interface{}{
			"status":        confirmation.Status,
			"transactionId": confirmation.TransactionID,
			"message":       message,
		}
	})
}

type requestStopCommand struct {
	TransactionID string `json:"transactionId" validate:"required,max=36"`
}

func (na *NodeActions) RequestStopTransaction(ctx context.Context, destination netpath.NetworkPath, payload []byte, responseChannel chan<- common.Response) {
	var cmd requestStopCommand
	if e := na.decode(payload, &cmd, "command.request.stop.transaction.payload.not.valid", "Campos no válidos para detener una transacción remota."); e != nil {
		responseChannel <- common.Response{Err: e}
		return
	}

	req := adapter.NewRequest(&remotecontrol.RequestStopTransactionRequest{TransactionID: cmd.TransactionID}, destination.Hops()...)
	responseChannel <- call(ctx, na, req, func(confirmation remotecontrol.RequestStopTransactionResponse) interface{} {
		message := fmt.Sprintf("Se ha aceptado detener la transacción %v", cmd.TransactionID)
		if confirmation.Status != remotecontrol.RequestStartStopStatusAccepted {
			message = fmt.Sprintf("Se ha rechazado detener la transacción %v", cmd.TransactionID)
		}
		return map[string]interface{}{"status": confirmation.Status, "message": message}
	})
}

type unlockConnectorCommand struct {
	EvseID      int `json:"evseId" validate:"gte=0"`
	ConnectorID int `json:"connectorId" validate:"gte=0"`
}

func (na *NodeActions) UnlockConnector(ctx context.Context, destination netpath.NetworkPath, payload []byte, responseChannel chan<- common.Response) {
	var cmd unlockConnectorCommand
	if e := na.decode(payload, &cmd, "command.unlock.connector.payload.not.valid", "Campos no válidos para desbloquear el conector."); e != nil {
		responseChannel <- common.Response{Err: e}
		return
	}

	req := adapter.NewRequest(&remotecontrol.UnlockConnectorRequest{EvseID: cmd.EvseID, ConnectorID: cmd.ConnectorID}, destination.Hops()...)
	responseChannel <- call(ctx, na, req, func(confirmation remotecontrol.UnlockConnectorResponse) interface{} {
		return map[string]interface{}{
			"status":  confirmation.Status,
			"message": fmt.Sprintf("Desbloqueo del conector %v/%v: %v", cmd.EvseID, cmd.ConnectorID, confirmation.Status),
		}
	})
}
