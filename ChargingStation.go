package main

import (
	"time"

	"ocpp_node/netpath"
)

type ChargingStation struct {
	model      string
	vendor     string
	bootReason string
	lastSeen   time.Time
	route      netpath.NetworkPath
	evses      map[int]map[int]*Connector // evse id -> connector id; no assumptions about their number
}

// ChargingStationInfo is a copy of a station's state safe to hand out.
type ChargingStationInfo struct {
	Model      string
	Vendor     string
	BootReason string
	LastSeen   time.Time
	Route      netpath.NetworkPath
	Connectors map[int]map[int]string
	Available  int
}

func newChargingStation() *ChargingStation {
	return &ChargingStation{evses: map[int]map[int]*Connector{}}
}

func (this *ChargingStation) getConnector(evseID, connectorID int) *Connector {
	evse, ok := this.evses[evseID]
	if !ok {
		evse = map[int]*Connector{}
		this.evses[evseID] = evse
	}
	ci, ok := evse[connectorID]
	if !ok {
		ci = &Connector{}
		evse[connectorID] = ci
	}
	return ci
}

func (this *ChargingStation) info() ChargingStationInfo {
	out := ChargingStationInfo{
		Model:      this.model,
		Vendor:     this.vendor,
		BootReason: this.bootReason,
		LastSeen:   this.lastSeen,
		Route:      this.route,
		Connectors: map[int]map[int]string{},
	}
	for evseID, evse := range this.evses {
		out.Connectors[evseID] = map[int]string{}
		for connectorID, c := range evse {
			out.Connectors[evseID][connectorID] = string(c.status)
			if c.isAvailable() {
				out.Available++
			}
		}
	}
	return out
}
