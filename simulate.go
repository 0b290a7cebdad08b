package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"ocpp_node/actions"
	"ocpp_node/adapter"
	"ocpp_node/common"
	"ocpp_node/frame"
	"ocpp_node/netpath"
	"ocpp_node/transport"
)

// simulate runs a CSMS, a networking node and two stations on an in-memory bus:
//
//	CSMS <-> NN1 <-> CS1 (plain OCPP-J, upstream NN1)
//	             <-> CS2
//
// and reports what each exchange returned.
func simulate(ctx context.Context, entry *logrus.Entry) ([]string, error) {
	busCtx, cancel := context.WithCancel(ctx)
	bus := transport.NewBus(busCtx)
	defer bus.Wait()
	defer cancel()

	add := func(id netpath.NodeID, format frame.Format, opts ...adapter.Option) *adapter.Adapter {
		a := adapter.New(id, append([]adapter.Option{adapter.WithLogger(entry)}, opts...)...)
		a.SetSender(bus.Endpoint(id))
		bus.Attach(id, a, format)
		return a
	}
	csms := add("CSMS", frame.FormatEnvelope)
	nn := add("NN1", frame.FormatEnvelope, adapter.WithUpstream("CSMS"))
	cs1 := add("CS1", frame.FormatOCPPJ, adapter.WithUpstream("NN1"))
	cs2 := add("CS2", frame.FormatEnvelope)
	bus.Link("CSMS", "NN1")
	bus.Link("NN1", "CS1")
	bus.Link("NN1", "CS2")

	csHandler := NewCentralSystemHandler()
	csHandler.Register(csms)
	plain := newSimulatedStation(cs1)
	station := newSimulatedStation(cs2)

	var lines []string

	// CS1 knows nothing about routing; NN1 passes its boot upstream.
	boot := plain.boot(ctx)
	if err := boot.AsError(); err != nil {
		return lines, fmt.Errorf("boot of CS1 failed: %w", err)
	}
	lines = append(lines, fmt.Sprintf("CS1 BootNotification: %v, answered via %v in %v", boot.Response.Status, boot.NetworkPath, boot.Runtime()))

	boot = station.boot(ctx, "NN1", "CSMS")
	if err := boot.AsError(); err != nil {
		return lines, fmt.Errorf("boot of CS2 failed: %w", err)
	}
	lines = append(lines, fmt.Sprintf("CS2 BootNotification: %v, answered via %v in %v", boot.Response.Status, boot.NetworkPath, boot.Runtime()))

	nodeActions := actions.InitializeNodeActions(csms)
	responseChannel := make(chan common.Response, 1)
	for _, step := range []struct {
		name    string
		fn      actions.Function
		to      netpath.NetworkPath
		payload string
	}{
		{"Reset", nodeActions.Reset, netpath.New("NN1", "CS1"), `{"type":"Immediate"}`},
		{"ClearCache", nodeActions.ClearCache, netpath.New("NN1", "CS2"), ``},
		{"ChangeAvailability", nodeActions.ChangeAvailability, netpath.New("NN1", "CS1"), `{"operationalStatus":"Inoperative","evseId":1}`},
	} {
		step.fn(ctx, step.to, []byte(step.payload), responseChannel)
		response := <-responseChannel
		if response.Err != nil {
			return lines, fmt.Errorf("%v to %v: %w", step.name, step.to, response.Err)
		}
		lines = append(lines, fmt.Sprintf("%v to %v: %v", step.name, step.to, response.Payload))
	}

	res := csms.SendAndWait(ctx, adapter.NewRawRequest("GetLog", nil, "NN1", "CS1"))
	lines = append(lines, fmt.Sprintf("GetLog to CS1: %v %v", res.Kind, res.AsError()))

	for _, id := range []netpath.NodeID{"CS1", "CS2"} {
		if info, ok := csHandler.GetChargingStation(id); ok {
			lines = append(lines, fmt.Sprintf("CSMS knows %v (%v %v) via %v", id, info.Vendor, info.Model, info.Route))
		}
	}
	stats := nn.Stats()
	lines = append(lines, fmt.Sprintf("NN1 forwarded %d frames, %d relays open", stats.Forwarded, stats.Relayed))
	return lines, nil
}
