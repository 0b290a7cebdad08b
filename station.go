package main

import (
	"context"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/authorization"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/availability"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/provisioning"

	"ocpp_node/adapter"
	"ocpp_node/netpath"
)

// simulatedStation answers the CSMS commands the bridge can send and accepts all of them.
type simulatedStation struct {
	node   *adapter.Adapter
	resets chan provisioning.ResetType
}

func newSimulatedStation(node *adapter.Adapter) *simulatedStation {
	s := &simulatedStation{node: node, resets: make(chan provisioning.ResetType, 8)}
	adapter.HandleFunc(node, provisioning.ResetFeatureName, s.onReset)
	adapter.HandleFunc(node, availability.ChangeAvailabilityFeatureName, s.onChangeAvailability)
	node.Handle(authorization.ClearCacheFeatureName, func(context.Context, *adapter.InboundRequest) (ocpp.Response, error) {
		return &authorization.ClearCacheResponse{Status: authorization.ClearCacheStatusAccepted}, nil
	})
	return s
}

func (s *simulatedStation) onReset(ctx context.Context, req *adapter.InboundRequest, request *provisioning.ResetRequest) (ocpp.Response, error) {
	select {
	case s.resets <- request.Type:
	default:
	}
	logDefault(req.Origin(), request.GetFeatureName()).Infof("reset %v accepted", request.Type)
	return &provisioning.ResetResponse{Status: provisioning.ResetStatusAccepted}, nil
}

func (s *simulatedStation) onChangeAvailability(ctx context.Context, req *adapter.InboundRequest, request *availability.ChangeAvailabilityRequest) (ocpp.Response, error) {
	return &availability.ChangeAvailabilityResponse{Status: availability.ChangeAvailabilityStatusAccepted}, nil
}

// boot announces the station to the CSMS at the end of route.
func (s *simulatedStation) boot(ctx context.Context, route ...netpath.NodeID) adapter.Result[provisioning.BootNotificationResponse] {
	request := provisioning.NewBootNotificationRequest(provisioning.BootReasonPowerUp, "Simulated", "ocpp-node")
	req := adapter.NewRequest(request, route...)
	req.Timeout = 5 * time.Second
	return adapter.Call[provisioning.BootNotificationResponse](ctx, s.node, req)
}
