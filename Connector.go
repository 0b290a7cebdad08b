package main

import (
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/availability"
)

type Connector struct {
	status availability.ConnectorStatus
}

func (this *Connector) isAvailable() bool {
	return this.status == availability.ConnectorStatusAvailable
}
