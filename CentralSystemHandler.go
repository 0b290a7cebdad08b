package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/availability"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/provisioning"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/types"
	"github.com/lorenzodonini/ocpp-go/ocppj"
	"github.com/sirupsen/logrus"

	"ocpp_node/adapter"
	"ocpp_node/netpath"
	"ocpp_node/notifier"
)

// CentralSystemHandler answers the messages charging stations send to the CSMS and
// keeps some simple state about them.
// In production this will typically be replaced by database/API calls.
type CentralSystemHandler struct {
	mu               sync.Mutex
	chargingStations map[netpath.NodeID]*ChargingStation
	notification     chan notifier.Notification
	now              func() time.Time
}

type heartbeatResponse struct {
	CurrentTime *types.DateTime `json:"currentTime"`
}

func (heartbeatResponse) GetFeatureName() string { return "Heartbeat" }

type dataTransferResponse struct {
	Status string `json:"status"`
}

func (dataTransferResponse) GetFeatureName() string { return "DataTransfer" }

// Register installs the handlers on node.
func (handler *CentralSystemHandler) Register(node *adapter.Adapter) {
	adapter.HandleFunc(node, provisioning.BootNotificationFeatureName, handler.OnBootNotification)
	adapter.HandleFunc(node, availability.StatusNotificationFeatureName, handler.OnStatusNotification)
	node.Handle(availability.HeartbeatFeatureName, handler.OnHeartbeat)
	node.Handle("DataTransfer", handler.OnDataTransfer)
}

func (handler *CentralSystemHandler) notify(topic string, data interface{}) {
	select {
	case handler.notification <- notifier.Notification{Topic: topic, Data: data}:
	default:
		logrus.WithField("topic", topic).Warn("notification queue full, dropping")
	}
}

// flatten merges request into a map that also names the station, as published.
func flatten(station netpath.NodeID, request interface{}) map[string]interface{} {
	data := map[string]interface{}{}
	bt, _ := json.Marshal(request)
	_ = json.Unmarshal(bt, &data)
	data["chargingStationId"] = string(station)
	return data
}

func (handler *CentralSystemHandler) station(id netpath.NodeID) (*ChargingStation, bool) {
	handler.mu.Lock()
	defer handler.mu.Unlock()
	cs, ok := handler.chargingStations[id]
	return cs, ok
}

func (handler *CentralSystemHandler) OnBootNotification(ctx context.Context, req *adapter.InboundRequest, request *provisioning.BootNotificationRequest) (ocpp.Response, error) {
	id := req.Origin()
	handler.mu.Lock()
	cs, ok := handler.chargingStations[id]
	if !ok {
		cs = newChargingStation()
		handler.chargingStations[id] = cs
	}
	cs.model = request.ChargingStation.Model
	cs.vendor = request.ChargingStation.VendorName
	cs.bootReason = string(request.Reason)
	cs.lastSeen = handler.now()
	cs.route = req.NetworkPath
	handler.mu.Unlock()

	logDefault(id, request.GetFeatureName()).Infof("boot confirmed, reason %v", request.Reason)
	handler.notify("boot.notification", flatten(id, request))
	return provisioning.NewBootNotificationResponse(types.NewDateTime(handler.now()), defaultHeartbeatInterval, provisioning.RegistrationStatusAccepted), nil
}

func (handler *CentralSystemHandler) OnHeartbeat(ctx context.Context, req *adapter.InboundRequest) (ocpp.Response, error) {
	id := req.Origin()
	currentTime := types.NewDateTime(handler.now())
	handler.mu.Lock()
	if cs, ok := handler.chargingStations[id]; ok {
		cs.lastSeen = currentTime.Time
	}
	handler.mu.Unlock()

	handler.notify("heartbeat", map[string]interface{}{"chargingStationId": string(id), "currentTime": currentTime})
	return heartbeatResponse{CurrentTime: currentTime}, nil
}

func (handler *CentralSystemHandler) OnStatusNotification(ctx context.Context, req *adapter.InboundRequest, request *availability.StatusNotificationRequest) (ocpp.Response, error) {
	id := req.Origin()
	handler.mu.Lock()
	cs, ok := handler.chargingStations[id]
	if ok {
		cs.getConnector(request.EvseID, request.ConnectorID).status = request.ConnectorStatus
		cs.lastSeen = handler.now()
	}
	handler.mu.Unlock()
	if !ok {
		return nil, ocpp.NewError(ocppj.SecurityError, fmt.Sprintf("unknown charging station %v", id), string(req.ID))
	}

	handler.notify("status.notification", flatten(id, request))
	return &availability.StatusNotificationResponse{}, nil
}

func (handler *CentralSystemHandler) OnDataTransfer(ctx context.Context, req *adapter.InboundRequest) (ocpp.Response, error) {
	var data interface{}
	_ = json.Unmarshal(req.Payload, &data)
	handler.notify("data.transfer", map[string]interface{}{"chargingStationId": string(req.Origin()), "data": data})
	return dataTransferResponse{Status: "Accepted"}, nil
}

// Connected records a station that opened a connection to this node.
func (handler *CentralSystemHandler) Connected(id netpath.NodeID) {
	handler.mu.Lock()
	defer handler.mu.Unlock()
	if _, ok := handler.chargingStations[id]; !ok {
		handler.chargingStations[id] = newChargingStation()
	}
	logDefault(id, "").Info("new charging station connected")
}

func (handler *CentralSystemHandler) Disconnected(id netpath.NodeID) {
	handler.mu.Lock()
	defer handler.mu.Unlock()
	delete(handler.chargingStations, id)
	logDefault(id, "").Info("charging station disconnected")
}

// Utility functions

func logDefault(id netpath.NodeID, feature string) *logrus.Entry {
	return log.WithFields(logrus.Fields{"client": string(id), "message": feature})
}

func NewCentralSystemHandler() *CentralSystemHandler {
	return &CentralSystemHandler{
		chargingStations: map[netpath.NodeID]*ChargingStation{},
		notification:     make(chan notifier.Notification, 256),
		now:              time.Now,
	}
}

func (handler *CentralSystemHandler) NotificationChannel() chan notifier.Notification {
	return handler.notification
}

func (handler *CentralSystemHandler) GetChargingStation(id netpath.NodeID) (ChargingStationInfo, bool) {
	handler.mu.Lock()
	defer handler.mu.Unlock()
	cs, ok := handler.chargingStations[id]
	if !ok {
		return ChargingStationInfo{}, false
	}
	return cs.info(), true
}
