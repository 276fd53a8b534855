// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bacnet

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ionbac/bacnet/bacnet/internal/transport"
)

// ServiceHandler executes one confirmed service request against the
// device's object database and returns the APDU service-ack bytes (sans
// the 3/5-byte PDU header, which the orchestrator adds) or an error.
type ServiceHandler func(ctx context.Context, peer PeerAddress, invokeID uint8, requestData []byte) ([]byte, error)

// handlerRegistration distinguishes the device's built-in (permanent)
// service handlers from ones registered by application code (transient):
// a panic or error in a transient handler never takes down a permanent
// one, and handlers are looked up independently per service choice.
type handlerRegistration struct {
	handler   ServiceHandler
	permanent bool
}

// Device is the server-side BACnet/IP application orchestrator: it owns
// the transport, both transaction state machines, the object database,
// the COV bus, and the registry of confirmed-service handlers, and
// dispatches every inbound PDU by type.
type Device struct {
	opts      *deviceOptions
	transport *transport.UDPTransport
	bbmd      *BBMDManager

	clientTSM *ClientTSM
	serverTSM *ServerTSM
	db        *Database
	cov       *COVBus
	metrics   *Metrics
	logger    *slog.Logger

	handlersMu sync.RWMutex
	handlers   map[ConfirmedServiceChoice]handlerRegistration

	segmentsMu sync.Mutex
	inbound    map[string]*reassemblyBuffer // key = peer#invokeID, confirmed-request reassembly

	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	mu      sync.Mutex
}

// NewDevice constructs a server orchestrator. Call Start to begin serving.
func NewDevice(opts ...DeviceOption) *Device {
	options := defaultDeviceOptions()
	for _, opt := range opts {
		opt(options)
	}

	d := &Device{
		opts:      options,
		transport: transport.NewUDPTransport(options.bindAddress),
		bbmd:      NewBBMDManager(),
		clientTSM: NewClientTSM(),
		serverTSM: NewServerTSM(),
		db:        NewDatabase(),
		cov:       NewCOVBus(),
		metrics:   NewMetrics(),
		logger:    options.logger,
		handlers:  make(map[ConfirmedServiceChoice]handlerRegistration),
		inbound:   make(map[string]*reassemblyBuffer),
	}

	d.db.AddObject(NewObjectIdentifier(ObjectTypeDevice, options.instance))
	d.registerPermanentHandlers()
	d.db.OnChange(PropertyPresentValue, d.onDatabaseChange)
	d.db.OnChange(PropertyStatusFlags, d.onDatabaseChange)

	return d
}

// Database returns the device's object database.
func (d *Device) Database() *Database { return d.db }

// COVBus returns the device's Change-of-Value subscription bus.
func (d *Device) COVBus() *COVBus { return d.cov }

// BBMD returns the device's broadcast distribution manager.
func (d *Device) BBMD() *BBMDManager { return d.bbmd }

// Metrics returns the device's metrics registry.
func (d *Device) Metrics() *Metrics { return d.metrics }

// RegisterHandler installs an application-provided handler for a confirmed
// service choice, overriding any permanent built-in handler for the same
// choice. A later call to RegisterHandler replaces a prior registration.
func (d *Device) RegisterHandler(service ConfirmedServiceChoice, handler ServiceHandler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers[service] = handlerRegistration{handler: handler, permanent: false}
}

func (d *Device) registerPermanent(service ConfirmedServiceChoice, handler ServiceHandler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers[service] = handlerRegistration{handler: handler, permanent: true}
}

func (d *Device) registerPermanentHandlers() {
	d.registerPermanent(ServiceReadProperty, d.handleReadProperty)
	d.registerPermanent(ServiceWriteProperty, d.handleWriteProperty)
	d.registerPermanent(ServiceSubscribeCOV, d.handleSubscribeCOV)
}

// Start opens the transport and begins the receive loop plus the periodic
// COV/FDT/server-transaction sweeps.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrAlreadyConnected
	}

	if err := d.transport.Open(ctx); err != nil {
		return fmt.Errorf("open transport: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true

	go d.receiveLoop(runCtx)
	go d.sweepLoop(runCtx)

	if d.opts.bbmdAddress != "" {
		go d.registerForeignDevice(runCtx)
	}

	d.logger.Info("device started", slog.Uint64("instance", uint64(d.opts.instance)))
	return nil
}

// Stop halts the receive loop and closes the transport.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	d.running = false
	d.cancel()
	<-d.done
	return d.transport.Close()
}

func (d *Device) receiveLoop(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		data, addr, err := d.transport.ReceiveWithTimeout(100 * time.Millisecond)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if d.transport.IsClosed() {
				return
			}
			continue
		}
		d.metrics.BytesReceived.Add(int64(len(data)))
		d.metrics.RecordActivity()
		go d.handlePacket(ctx, data, addr)
	}
}

func (d *Device) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.serverTSM.Sweep()
			d.bbmd.PurgeExpired()
			d.cov.Sweep()
		}
	}
}

func (d *Device) handlePacket(ctx context.Context, data []byte, addr *net.UDPAddr) {
	bvlc, err := DecodeBVLC(data)
	if err != nil {
		return
	}

	npduData := data[4:]
	switch bvlc.Function {
	case BVLCForwardedNPDU:
		origin, inner, err := DecodeForwardedNPDU(npduData)
		if err != nil {
			return
		}
		_ = origin
		npduData = inner
	case BVLCRegisterForeignDevice:
		if len(npduData) < 2 {
			return
		}
		ttl := uint16(npduData[0])<<8 | uint16(npduData[1])
		_ = d.bbmd.RegisterForeignDevice(addrFromUDP(addr), ttl)
		return
	}

	npdu, offset, err := DecodeNPDU(npduData)
	if err != nil {
		return
	}
	if npdu.Control&NPDUControlNetworkLayerMessage != 0 {
		return
	}

	apdu, err := DecodeAPDU(npduData[offset:])
	if err != nil {
		return
	}

	peer := addr.String()

	switch apdu.Type {
	case PDUTypeConfirmedRequest:
		d.dispatchConfirmedRequest(ctx, peer, addr, apdu)
	case PDUTypeUnconfirmedRequest:
		d.dispatchUnconfirmedRequest(ctx, peer, addr, npdu, apdu)
	case PDUTypeSimpleAck, PDUTypeComplexAck, PDUTypeError, PDUTypeReject, PDUTypeAbort:
		d.clientTSM.Deliver(peer, apdu)
	case PDUTypeSegmentAck:
		// Nothing in this package sends segmented messages, so no sender
		// loop consumes Segment-ACKs; one that matches an open client
		// transaction is passed to it via ClientTSM.Deliver like any reply.
		d.clientTSM.Deliver(peer, apdu)
	}
}

func (d *Device) dispatchUnconfirmedRequest(ctx context.Context, peer string, addr *net.UDPAddr, npdu *NPDU, apdu *APDU) {
	switch UnconfirmedServiceChoice(apdu.Service) {
	case ServiceWhoIs:
		d.respondIAm(ctx, addr)
	case ServiceUnconfirmedCOVNotification:
		// Notifications received here (for a client-role subscription this
		// device holds against a peer) are dropped: the device keeps no
		// handler registry for unconfirmed services.
	}
}

func (d *Device) dispatchConfirmedRequest(ctx context.Context, peer string, addr *net.UDPAddr, apdu *APDU) {
	txn, duplicate := d.serverTSM.ReceiveConfirmedRequest(peer, apdu.InvokeID, ConfirmedServiceChoice(apdu.Service))
	if duplicate {
		d.metrics.ServerTransactionsDeduplicated.Inc()
		if txn.Response != nil {
			_ = d.transport.Send(ctx, addr, txn.Response)
		}
		return
	}

	d.handlersMu.RLock()
	reg, ok := d.handlers[ConfirmedServiceChoice(apdu.Service)]
	d.handlersMu.RUnlock()

	if !ok {
		d.sendReject(ctx, addr, apdu.InvokeID, RejectReasonUnrecognizedService)
		d.serverTSM.OnTimeout(peer, apdu.InvokeID)
		return
	}

	respData, err := d.safeInvoke(ctx, reg.handler, PeerAddress{Local: addrFromUDP(addr)}, apdu.InvokeID, apdu.Data)
	if err != nil {
		d.sendServiceError(ctx, addr, apdu.InvokeID, ConfirmedServiceChoice(apdu.Service), err)
		d.serverTSM.OnTimeout(peer, apdu.InvokeID)
		return
	}

	var response []byte
	if respData == nil {
		response = d.wrapInPDU(EncodeSimpleAck(apdu.InvokeID, ConfirmedServiceChoice(apdu.Service)))
	} else {
		response = d.wrapInPDU(EncodeComplexAck(apdu.InvokeID, ConfirmedServiceChoice(apdu.Service), respData))
	}

	d.serverTSM.Complete(peer, apdu.InvokeID, response)
	_ = d.transport.Send(ctx, addr, response)
}

// safeInvoke isolates a transient (application-registered) handler's
// panic from crashing the receive goroutine, per the dispatcher's
// guarantee that one misbehaving handler cannot take down another.
func (d *Device) safeInvoke(ctx context.Context, handler ServiceHandler, peer PeerAddress, invokeID uint8, data []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bacnet: service handler panicked: %v", r)
		}
	}()
	return handler(ctx, peer, invokeID, data)
}

func (d *Device) wrapInPDU(apdu []byte) []byte {
	npdu := EncodeNPDU(false, NPDUControlPriorityNormal)
	bvlc := EncodeBVLC(BVLCOriginalUnicastNPDU, len(npdu)+len(apdu))
	out := make([]byte, 0, len(bvlc)+len(npdu)+len(apdu))
	out = append(out, bvlc...)
	out = append(out, npdu...)
	out = append(out, apdu...)
	return out
}

func (d *Device) sendReject(ctx context.Context, addr *net.UDPAddr, invokeID uint8, reason RejectReason) {
	_ = d.transport.Send(ctx, addr, d.wrapInPDU(EncodeRejectAPDU(invokeID, reason)))
}

func (d *Device) sendServiceError(ctx context.Context, addr *net.UDPAddr, invokeID uint8, service ConfirmedServiceChoice, err error) {
	class, code := ErrorClassProperty, ErrorCodeUnknownProperty
	if bErr, ok := err.(*BACnetError); ok {
		class, code = bErr.Class, bErr.Code
	}
	data := append(EncodeContextEnumerated(0, uint32(class)), EncodeContextEnumerated(1, uint32(code))...)
	_ = d.transport.Send(ctx, addr, d.wrapInPDU(EncodeErrorAPDU(invokeID, byte(service), data)))
}

func (d *Device) respondIAm(ctx context.Context, addr *net.UDPAddr) {
	oid := NewObjectIdentifier(ObjectTypeDevice, d.opts.instance)
	data := append([]byte{}, EncodeObjectIdentifierTag(oid)...)
	data = append(data, EncodeUnsignedTag(uint32(d.opts.maxAPDU))...)
	data = append(data, EncodeEnumeratedTag(uint32(SegmentationBoth))...)
	data = append(data, EncodeUnsignedTag(uint32(d.opts.vendorID))...)

	apdu := EncodeUnconfirmedRequest(ServiceIAm, data)
	npdu := EncodeNPDU(false, NPDUControlPriorityNormal)
	bvlc := EncodeBVLC(BVLCOriginalBroadcastNPDU, len(npdu)+len(apdu))
	packet := append(append(append([]byte{}, bvlc...), npdu...), apdu...)
	if ip := net.ParseIP(d.opts.broadcastAddr); ip != nil {
		_ = d.transport.Send(ctx, &net.UDPAddr{IP: ip, Port: DefaultPort}, packet)
		return
	}
	_ = d.transport.Broadcast(ctx, DefaultPort, packet)
}

func (d *Device) registerForeignDevice(ctx context.Context) {
	addr, err := net.ResolveUDPAddr("udp4", d.opts.bbmdAddress)
	if err != nil {
		return
	}
	ttl := uint16(d.opts.bbmdTTL.Seconds())
	msg := EncodeRegisterForeignDevice(ttl)

	ticker := time.NewTicker(d.opts.bbmdTTL / 2)
	defer ticker.Stop()
	_ = d.transport.Send(ctx, addr, msg)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = d.transport.Send(ctx, addr, msg)
		}
	}
}

// CheckPassword compares candidate against the configured device password
// in constant time, so a ReinitializeDevice attempt cannot be used to
// brute-force the password via timing.
func (d *Device) CheckPassword(candidate string) bool {
	if d.opts.password == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(d.opts.password), []byte(candidate)) == 1
}

func (d *Device) onDatabaseChange(event ChangeEvent) {
	for _, sub := range d.cov.Observe(event) {
		d.notifyCOV(sub, event)
	}
}

func (d *Device) notifyCOV(sub *COVSubscription, event ChangeEvent) {
	d.metrics.COVNotifications.Inc()
	statusFlags, _ := d.db.ReadProperty(event.ObjectID, PropertyStatusFlags)

	data := append([]byte{}, EncodeContextUnsigned(0, sub.ProcessID)...)
	data = append(data, EncodeContextObjectIdentifier(1, NewObjectIdentifier(ObjectTypeDevice, d.opts.instance))...)
	data = append(data, EncodeContextObjectIdentifier(2, event.ObjectID)...)
	data = append(data, EncodeContextUnsigned(3, 0)...)
	data = append(data, EncodeOpeningTag(4)...)
	data = append(data, EncodeContextEnumerated(0, uint32(PropertyPresentValue))...)
	data = append(data, EncodeOpeningTag(2)...)
	data = append(data, EncodeApplicationValue(nil, event.NewValue)...)
	data = append(data, EncodeClosingTag(2)...)
	if statusFlags.Kind == KindBitString {
		data = append(data, EncodeContextEnumerated(0, uint32(PropertyStatusFlags))...)
		data = append(data, EncodeOpeningTag(2)...)
		data = append(data, EncodeApplicationValue(nil, statusFlags)...)
		data = append(data, EncodeClosingTag(2)...)
	}
	data = append(data, EncodeClosingTag(4)...)

	apdu := EncodeUnconfirmedRequest(ServiceUnconfirmedCOVNotification, data)
	packet := d.wrapInPDU(apdu)

	addr, err := net.ResolveUDPAddr("udp4", sub.Subscriber)
	if err != nil {
		return
	}
	_ = d.transport.Send(context.Background(), addr, packet)
}
