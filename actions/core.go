package actions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/authorization"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/availability"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/provisioning"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/types"
	"github.com/sirupsen/logrus"

	"ocpp_node/adapter"
	"ocpp_node/common"
	"ocpp_node/netpath"
)

func logDefault(destination netpath.NetworkPath, feature string) *logrus.Entry {
	last, _ := destination.Last()
	return logrus.WithFields(logrus.Fields{"client": string(last), "message": feature})
}

// Function runs one bridge command against the node at the end of destination and
// sends exactly one response on responseChannel.
type Function func(ctx context.Context, destination netpath.NetworkPath, payload []byte, responseChannel chan<- common.Response)

type NodeActions struct {
	node      *adapter.Adapter
	validator *validator.Validate
}

func InitializeNodeActions(node *adapter.Adapter) NodeActions {
	return NodeActions{
		node:      node,
		validator: validator.New(),
	}
}

// decode parses payload into v and validates it, returning the bridge error to
// report when either fails.
func (na *NodeActions) decode(payload []byte, v interface{}, code, message string) *common.Error {
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, v); err != nil {
			return &common.Error{Code: code, Message: message}
		}
	}
	if err := na.validator.Struct(v); err != nil {
		return &common.Error{Code: code, Message: message}
	}
	return nil
}

// call sends req and turns every non-valid outcome into a bridge error; onValid
// builds the payload of a valid answer.
func call[T any](ctx context.Context, na *NodeActions, req *adapter.Request, onValid func(T) interface{}) common.Response {
	res := adapter.Call[T](ctx, na.node, req)
	log := logDefault(req.Destination, req.Action)
	last, _ := req.Destination.Last()

	switch res.Kind {
	case adapter.ValidResponse:
		return common.Response{Payload: onValid(res.Response)}
	case adapter.RequestError:
		log.Warnf("request rejected: %v", res.ProtocolError)
		return common.Failure("command.request.rejected",
			fmt.Sprintf("El nodo %v rechazó la solicitud: %v %v", last, res.ProtocolError.Code, res.ProtocolError.Description))
	case adapter.Timeout:
		log.Warnf("no answer: %v", res.Err)
		return common.Failure("request.timeout", "Ha caducado el tiempo de respuesta de la solicitud")
	case adapter.SendFailure:
		log.Errorf("couldn't send message: %v", res.Err)
		return common.Failure("command.message.not.send", fmt.Sprintf("No se pudo enviar el comando al nodo: %v", last))
	case adapter.Cancelled:
		return common.Failure("request.cancelled", "La solicitud fue cancelada")
	case adapter.FormationViolation:
		log.Errorf("invalid answer: %v", res.Err)
		return common.Failure("command.response.not.valid", fmt.Sprintf("La respuesta del nodo %v no es válida", last))
	case adapter.SignatureError:
		log.Errorf("signature check failed: %v", res.Err)
		return common.Failure("command.signature.not.valid", fmt.Sprintf("La firma de la respuesta del nodo %v no es válida", last))
	}
	log.Errorf("unexpected failure: %v", res.Err)
	return common.Failure("command.exception", "Error inesperado al procesar la solicitud")
}

type resetCommand struct {
	Type   string `json:"type" validate:"required,oneof=Immediate OnIdle"`
	EvseID *int   `json:"evseId,omitempty" validate:"omitempty,gte=0"`
}

func (na *NodeActions) Reset(ctx context.Context, destination netpath.NetworkPath, payload []byte, responseChannel chan<- common.Response) {
	cmd := resetCommand{Type: string(provisioning.ResetTypeOnIdle)}
	if e := na.decode(payload, &cmd, "command.reset.payload.not.valid", "Campos no válidos para reiniciar el nodo."); e != nil {
		responseChannel <- common.Response{Err: e}
		return
	}

	request := &provisioning.ResetRequest{Type: provisioning.ResetType(cmd.Type), EvseID: cmd.EvseID}
	req := adapter.NewRequest(request, destination.Hops()...)
	responseChannel <- call(ctx, na, req, func(confirmation provisioning.ResetResponse) interface{} {
		message := ""
		switch confirmation.Status {
		case provisioning.ResetStatusAccepted:
			message = fmt.Sprintf("Se ha aceptado el reinicio por el modo: %v", request.Type)
		case provisioning.ResetStatusScheduled:
			message = "El reinicio se realizará al finalizar las transacciones en curso."
		case provisioning.ResetStatusRejected:
			message = "No se ha aceptado el reinicio."
		}
		return map[string]interface{}{"status": confirmation.Status, "message": message}
	})
}

func (na *NodeActions) ClearCache(ctx context.Context, destination netpath.NetworkPath, payload []byte, responseChannel chan<- common.Response) {
	req := adapter.NewRequest(&authorization.ClearCacheRequest{}, destination.Hops()...)
	responseChannel <- call(ctx, na, req, func(confirmation authorization.ClearCacheResponse) interface{} {
		message := "Se ha borrado la caché de autorización."
		if confirmation.Status != authorization.ClearCacheStatusAccepted {
			message = "No se ha podido borrar la caché de autorización."
		}
		return map[string]interface{}{"status": confirmation.Status, "message": message}
	})
}

type changeAvailabilityCommand struct {
	OperationalStatus string `json:"operationalStatus" validate:"required,oneof=Operative Inoperative"`
	EvseID            *int   `json:"evseId,omitempty" validate:"omitempty,gte=0"`
	ConnectorID       *int   `json:"connectorId,omitempty" validate:"omitempty,gte=0"`
}

func (na *NodeActions) ChangeAvailability(ctx context.Context, destination netpath.NetworkPath, payload []byte, responseChannel chan<- common.Response) {
	var cmd changeAvailabilityCommand
	if e := na.decode(payload, &cmd, "command.change.availability.payload.not.valid", "Campos no válidos para cambiar el estado operativo del nodo."); e != nil {
		responseChannel <- common.Response{Err: e}
		return
	}

	request := &availability.ChangeAvailabilityRequest{OperationalStatus: availability.OperationalStatus(cmd.OperationalStatus)}
	if cmd.EvseID != nil {
		request.Evse = &types.EVSE{ID: *cmd.EvseID, ConnectorID: cmd.ConnectorID}
	}
	req := adapter.NewRequest(request, destination.Hops()...)
	responseChannel <- call(ctx, na, req, func(confirmation availability.ChangeAvailabilityResponse) interface{} {
		message := ""
		switch confirmation.Status {
		case availability.ChangeAvailabilityStatusAccepted:
			message = fmt.Sprintf("Se ha actualizado al estado: %v", cmd.OperationalStatus)
		case availability.ChangeAvailabilityStatusRejected:
			message = fmt.Sprintf("Se ha rechazado el estado: %v", cmd.OperationalStatus)
		case availability.ChangeAvailabilityStatusScheduled:
			message = fmt.Sprintf("Se cambiará al estado %v cuando hayan finalizado las transacciones", cmd.OperationalStatus)
		}
		return map[string]interface{}{"status": confirmation.Status, "message": message}
	})
}
