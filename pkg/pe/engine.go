// Package pe implements the PE transaction engine: get/set/subscribe
// operations over MIDI-CI Property Exchange, per spec §4.3.
//
// Grounded on the teacher's pkg/exchange/manager.go (per-exchange
// lifecycle state machine, one-shot completion) and
// pkg/exchange/retransmit.go (timeout-driven cleanup), generalized from
// Matter's interaction-model exchanges to PE get/set/subscribe
// transactions with request-ID pooling and chunk reassembly in front.
package pe

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pion/logging"

	"github.com/backkem/midi2ci/pkg/chunk"
	"github.com/backkem/midi2ci/pkg/cierrs"
	"github.com/backkem/midi2ci/pkg/ciproto"
	"github.com/backkem/midi2ci/pkg/hub"
	"github.com/backkem/midi2ci/pkg/muid"
	"github.com/backkem/midi2ci/pkg/route"
	"github.com/backkem/midi2ci/pkg/transport"
)

// Engine is the PE transaction engine: the initiator side of
// get/set/subscribe/unsubscribe, per spec §4.3.
type Engine struct {
	cfg Config
	log logging.LeveledLogger
	tp  transport.Transport

	pool            *chunk.Pool
	assembler       *chunk.Assembler
	notifyAssembler *chunk.Assembler
	resolver        *route.Resolver
	warmUp          *route.WarmUpCache
	devices         *devicePool

	mu            sync.Mutex
	transactions  map[uint8]*transaction
	subscriptions map[string]*Subscription
	running       bool
}

// NewEngine constructs an Engine bound to tp.
func NewEngine(cfg Config, tp transport.Transport) *Engine {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.MaxInflightPerDevice <= 0 {
		cfg.MaxInflightPerDevice = 2
	}
	return &Engine{
		cfg:             cfg,
		log:             cfg.LoggerFactory.NewLogger("pe"),
		tp:              tp,
		pool:            chunk.NewPool(cfg.RequestIDCooldown),
		assembler:       chunk.NewAssembler(cfg.ChunkAssemblyTimeout, cfg.MaxBodySize),
		notifyAssembler: chunk.NewAssembler(cfg.ChunkAssemblyTimeout, cfg.MaxBodySize),
		resolver:        route.NewResolver(cfg.DestinationStrategy, cfg.DestinationCacheTTL),
		warmUp:          route.NewWarmUpCache(cfg.WarmUpCacheTTL, cfg.WarmUpCacheSize),
		devices:         newDevicePool(cfg.MaxInflightPerDevice),
		transactions:    make(map[uint8]*transaction),
		subscriptions:   make(map[string]*Subscription),
		running:         true,
	}
}

// LocalMUID returns the MUID this engine sends requests from.
func (e *Engine) LocalMUID() muid.MUID {
	return e.cfg.LocalMUID
}

// isMultiChunkResource heuristically identifies requests that
// legitimately span multiple chunks and so warrant the multi-chunk
// timeout multiplier and warm-up consideration, per spec §4.3/§4.4
// ("notably ResourceList").
func isMultiChunkResource(resource string) bool {
	return strings.Contains(strings.ToLower(resource), "list")
}

func (e *Engine) baseTimeout(resource string) time.Duration {
	if isMultiChunkResource(resource) {
		return time.Duration(float64(e.cfg.PETimeout) * e.cfg.MultiChunkTimeoutMultiplier)
	}
	return e.cfg.PETimeout
}

func (e *Engine) sourceHint(dest muid.MUID) transport.Source {
	if e.cfg.Peers == nil {
		return ""
	}
	return e.cfg.Peers.SourceHint(dest)
}

func (e *Engine) identity(dest muid.MUID) (muid.Identity, bool) {
	if e.cfg.Peers == nil {
		return muid.Identity{}, false
	}
	return e.cfg.Peers.Identity(dest)
}

// Get performs a PE GET, suspending until the reply is reassembled, the
// deadline elapses, ctx is cancelled, or the session stops.
func (e *Engine) Get(ctx context.Context, resource string, dest muid.MUID) (Response, error) {
	header := buildInquiryHeader(inquiryHeader{Resource: resource})
	return e.request(ctx, resource, dest, ciproto.SubIDPEGetInquiry, header)
}

// Set performs a PE SET with the given raw JSON value.
func (e *Engine) Set(ctx context.Context, resource string, value []byte, dest muid.MUID) (Response, error) {
	header := buildInquiryHeader(inquiryHeader{Resource: resource, Value: value})
	return e.request(ctx, resource, dest, ciproto.SubIDPESetInquiry, header)
}

// Subscribe starts a PE subscription, returning a handle whose Events
// stream delivers Notify payloads for as long as the subscription lives.
func (e *Engine) Subscribe(ctx context.Context, resource string, dest muid.MUID) (*Subscription, error) {
	header := buildInquiryHeader(inquiryHeader{Resource: resource, Command: "start"})
	resp, err := e.request(ctx, resource, dest, ciproto.SubIDPESubscribe, header)
	if err != nil {
		return nil, err
	}
	rh := parseReplyHeader(resp.Header)
	if rh.SubscribeID == "" {
		return nil, cierrs.New(cierrs.KindMalformedResponse, cierrs.WithResource(resource), cierrs.WithMUID(dest))
	}

	sub := &Subscription{ID: rh.SubscribeID, Resource: resource, engine: e, events: hub.New[Notification](e.cfg.NotificationBufferSize)}

	e.mu.Lock()
	e.subscriptions[sub.ID] = sub
	e.mu.Unlock()

	return sub, nil
}

// Unsubscribe terminates a live subscription.
func (e *Engine) Unsubscribe(ctx context.Context, sub *Subscription) error {
	header := buildInquiryHeader(inquiryHeader{SubscribeID: sub.ID, Command: "end"})
	_, err := e.request(ctx, sub.Resource, 0, ciproto.SubIDPESubscribe, header)

	e.mu.Lock()
	delete(e.subscriptions, sub.ID)
	e.mu.Unlock()
	sub.events.Close()

	return err
}

// request runs the full Begin/Wait lifecycle of spec §4.3 for a single
// inquiry, including the inflight gate, warm-up policy, and send
// strategy. It does not itself reassemble the reply — that happens in
// HandleFrame, which resolves the transaction this call is waiting on.
func (e *Engine) request(ctx context.Context, resource string, dest muid.MUID, subID ciproto.SubID, header []byte) (Response, error) {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return Response{}, cierrs.New(cierrs.KindNotRunning, cierrs.WithResource(resource), cierrs.WithMUID(dest))
	}

	if err := e.devices.admit(ctx, dest); err != nil {
		return Response{}, cierrs.New(cierrs.KindCancelled, cierrs.WithWrapped(err), cierrs.WithResource(resource), cierrs.WithMUID(dest))
	}
	defer e.devices.release(dest)

	if isMultiChunkResource(resource) {
		e.maybeWarmUp(ctx, dest)
	}

	warmedUp := false
	var resp Response
	err := cierrs.WithRetry(ctx, e.maxAttempts(), func(ctx context.Context) error {
		var sendErr error
		resp, sendErr = e.send(ctx, resource, dest, subID, header)
		if sendErr == nil {
			return nil
		}

		var ciErr *cierrs.Error
		if as, ok := sendErr.(*cierrs.Error); ok {
			ciErr = as
		}
		if !warmedUp && ciErr != nil && ciErr.Kind == cierrs.KindTimeout && e.cfg.WarmUpPolicy == route.WarmUpAdaptive && isMultiChunkResource(resource) {
			warmedUp = true
			if id, ok := e.identity(dest); ok {
				e.warmUp.Learn(id.Manufacturer, id.Model, true)
			}
			// Issue the DeviceInfo warm-up inquiry, then give the device a
			// moment to actually complete it before the retry that follows.
			warmUpHeader := buildInquiryHeader(inquiryHeader{Resource: "DeviceInfo"})
			_, _ = e.send(ctx, "DeviceInfo", dest, ciproto.SubIDPEGetInquiry, warmUpHeader)
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			select {
			case <-time.After(b.NextBackOff()):
			case <-ctx.Done():
			}
		}
		return sendErr
	})

	return resp, err
}

// maxAttempts returns the configured retry budget for request(), or 1 if
// unset, so a zero-value Config never silently disables the single
// implicit attempt every caller relies on.
func (e *Engine) maxAttempts() int {
	if e.cfg.MaxRetries <= 0 {
		return 1
	}
	return e.cfg.MaxRetries
}

func (e *Engine) maybeWarmUp(ctx context.Context, dest muid.MUID) {
	resource := "DeviceInfo"
	switch e.cfg.WarmUpPolicy {
	case route.WarmUpNever:
		return
	case route.WarmUpAlways:
		// fall through, always warm up with DeviceInfo
	case route.WarmUpVendorBased:
		if id, ok := e.identity(dest); ok && e.cfg.VendorWarmUpResource != nil {
			if r := e.cfg.VendorWarmUpResource(id.Manufacturer); r != "" {
				resource = r
			}
		}
	case route.WarmUpAdaptive:
		id, ok := e.identity(dest)
		if !ok || !e.warmUp.NeedsWarmUp(id.Manufacturer, id.Model) {
			return
		}
	default:
		return
	}

	header := buildInquiryHeader(inquiryHeader{Resource: resource})
	_, _ = e.send(ctx, resource, dest, ciproto.SubIDPEGetInquiry, header)
}

// send issues one inquiry, applying the configured SendStrategy,
// including the fallback strategy's single retry against the next
// resolver candidate on timeout, per spec §4.4.
func (e *Engine) send(ctx context.Context, resource string, dest muid.MUID, subID ciproto.SubID, header []byte) (Response, error) {
	destinations := e.tp.Destinations()
	hint := e.sourceHint(dest)

	switch e.cfg.SendStrategy {
	case route.Broadcast:
		return e.attempt(ctx, resource, dest, subID, header, "", destinations, true)

	case route.Learned:
		primary := e.resolver.Resolve(dest, hint, destinations)
		if primary == "" {
			return Response{}, cierrs.New(cierrs.KindDestinationUnresolved, cierrs.WithResource(resource), cierrs.WithMUID(dest))
		}
		return e.attempt(ctx, resource, dest, subID, header, primary, destinations, false)

	case route.Fallback:
		primary := e.resolver.Resolve(dest, hint, destinations)
		if primary == "" {
			return Response{}, cierrs.New(cierrs.KindDestinationUnresolved, cierrs.WithResource(resource), cierrs.WithMUID(dest))
		}
		resp, err := e.attempt(ctx, resource, dest, subID, header, primary, destinations, false)
		if err == nil {
			e.resolver.PromoteCache(dest, primary)
			return resp, nil
		}
		ciErr, ok := err.(*cierrs.Error)
		if !ok || ciErr.Kind != cierrs.KindTimeout {
			return resp, err
		}

		var next transport.Destination
		for _, c := range e.resolver.Candidates(dest, hint, destinations) {
			if c != primary {
				next = c
				break
			}
		}
		if next == "" {
			return resp, err
		}
		resp, err = e.attempt(ctx, resource, dest, subID, header, next, destinations, false)
		if err == nil {
			e.resolver.PromoteCache(dest, next)
		}
		return resp, err

	default: // Single
		primary := e.resolver.Resolve(dest, hint, destinations)
		if primary == "" && dest != 0 {
			return Response{}, cierrs.New(cierrs.KindDestinationUnresolved, cierrs.WithResource(resource), cierrs.WithMUID(dest))
		}
		return e.attempt(ctx, resource, dest, subID, header, primary, destinations, false)
	}
}

// attempt allocates a request ID, sends one inquiry frame to dest (or
// broadcasts, if broadcast is true), and waits for its resolution.
func (e *Engine) attempt(ctx context.Context, resource string, destMUID muid.MUID, subID ciproto.SubID, header []byte, dest transport.Destination, _ []transport.Destination, broadcast bool) (Response, error) {
	id, err := e.pool.Acquire()
	if err != nil {
		return Response{}, cierrs.New(cierrs.KindRequestIDExhausted, cierrs.WithResource(resource), cierrs.WithMUID(destMUID))
	}

	start := time.Now()
	deadline := start.Add(e.baseTimeout(resource))
	txn := newTransaction(id, resource, destMUID, start, deadline)

	e.mu.Lock()
	e.transactions[id] = txn
	e.mu.Unlock()

	cleanup := func() {
		e.mu.Lock()
		delete(e.transactions, id)
		e.mu.Unlock()
		e.pool.Release(id)
		e.assembler.Abandon(id)
	}

	payload := ciproto.BuildInquiryPayload(id, header)
	frame := ciproto.Build(ciproto.Message{
		SubID:       subID,
		CIVersion:   ciproto.DefaultCIVersion,
		Source:      e.cfg.LocalMUID,
		Destination: destMUID,
		Payload:     payload,
	})

	txn.timer = time.AfterFunc(time.Until(deadline), func() {
		e.completeTimeout(id)
	})

	var sendErr error
	if broadcast {
		sendErr = e.tp.Broadcast(ctx, frame)
	} else {
		sendErr = e.tp.Send(ctx, dest, frame)
	}
	if sendErr != nil {
		cleanup()
		return Response{}, cierrs.New(cierrs.KindTransportFailure, cierrs.WithWrapped(sendErr), cierrs.WithResource(resource), cierrs.WithMUID(destMUID))
	}

	select {
	case o := <-txn.done:
		cleanup()
		return o.response, o.err
	case <-ctx.Done():
		if txn.markCancelled() {
			txn.resolve(outcome{err: cierrs.New(cierrs.KindCancelled, cierrs.WithResource(resource), cierrs.WithMUID(destMUID))})
		}
		o := <-txn.done
		cleanup()
		return o.response, o.err
	}
}

func (e *Engine) completeTimeout(id uint8) {
	e.mu.Lock()
	txn, ok := e.transactions[id]
	e.mu.Unlock()
	if !ok {
		return
	}
	txn.resolve(outcome{err: cierrs.New(cierrs.KindTimeout, cierrs.WithResource(txn.resource), cierrs.WithMUID(txn.destination), cierrs.WithElapsed(time.Since(txn.start)))})
}

// HandleFrame processes a single inbound PE-band (and NAK) frame,
// resolving whatever transaction or subscription it completes. Parse and
// correlation failures are logged and dropped, per spec §7 — they never
// propagate to a caller other than the one awaiting that exact request.
func (e *Engine) HandleFrame(source transport.Source, msg ciproto.Message) {
	switch msg.SubID {
	case ciproto.SubIDPEGetReply, ciproto.SubIDPESetReply, ciproto.SubIDPESubscribeReply:
		e.handleReply(msg)
	case ciproto.SubIDPENotify:
		e.handleNotify(msg)
	case ciproto.SubIDNAK:
		e.handleNAK(msg)
	}
}

func (e *Engine) handleReply(msg ciproto.Message) {
	pm, err := ciproto.ParsePE(msg.SubID, msg.Payload)
	if err != nil {
		e.log.Debugf("dropping malformed PE reply from %s: %v", msg.Source, err)
		return
	}

	e.mu.Lock()
	txn, ok := e.transactions[pm.RequestID]
	e.mu.Unlock()
	if !ok {
		e.log.Debugf("dropping PE reply for unknown/cooled-down request ID %d", pm.RequestID)
		return
	}

	assembleStatus, header, body := e.assembler.AddChunk(pm.RequestID, pm.ThisChunk, pm.NumChunks, pm.Header, pm.Body)

	switch assembleStatus {
	case chunk.Incomplete:
		return
	case chunk.Timeout:
		txn.resolve(outcome{err: cierrs.New(cierrs.KindTimeout, cierrs.WithResource(txn.resource), cierrs.WithMUID(txn.destination))})
		return
	case chunk.UnknownRequestID:
		return
	case chunk.NumChunksMismatch:
		txn.resolve(outcome{err: cierrs.New(cierrs.KindMalformedResponse, cierrs.WithResource(txn.resource), cierrs.WithMUID(txn.destination))})
		return
	}

	rh := parseReplyHeader(header)
	decoded, derr := decodeBody(body, rh.MutualEncoding)
	if derr != nil {
		txn.resolve(outcome{err: cierrs.New(cierrs.KindMalformedResponse, cierrs.WithWrapped(derr), cierrs.WithResource(txn.resource), cierrs.WithMUID(txn.destination))})
		return
	}

	if rh.Status != 0 && (rh.Status < 200 || rh.Status >= 300) {
		txn.resolve(outcome{err: cierrs.New(cierrs.KindNAK, cierrs.WithStatus(rh.Status), cierrs.WithResource(txn.resource), cierrs.WithMUID(txn.destination))})
		return
	}

	txn.resolve(outcome{response: Response{Status: rh.Status, Header: header, Body: decoded}})
}

func (e *Engine) handleNotify(msg ciproto.Message) {
	pm, err := ciproto.ParsePE(msg.SubID, msg.Payload)
	if err != nil {
		e.log.Debugf("dropping malformed PE notify from %s: %v", msg.Source, err)
		return
	}

	status, header, body := e.notifyAssembler.AddChunk(pm.RequestID, pm.ThisChunk, pm.NumChunks, pm.Header, pm.Body)
	if status == chunk.NumChunksMismatch {
		e.log.Debugf("dropping PE notify for request ID %d: numChunks mismatch across chunks", pm.RequestID)
		return
	}
	if status != chunk.Complete {
		return
	}

	rh := parseReplyHeader(header)
	if rh.SubscribeID == "" {
		return
	}

	e.mu.Lock()
	sub, ok := e.subscriptions[rh.SubscribeID]
	e.mu.Unlock()
	if !ok {
		return
	}

	decoded, derr := decodeBody(body, rh.MutualEncoding)
	if derr != nil {
		e.log.Debugf("dropping malformed notify body for subscription %s: %v", rh.SubscribeID, derr)
		return
	}

	sub.events.Publish(Notification{Header: header, Body: decoded})
}

func (e *Engine) handleNAK(msg ciproto.Message) {
	if len(msg.Payload) < 1 {
		return
	}
	requestID := msg.Payload[0]
	status := 400
	if len(msg.Payload) >= 2 {
		status = int(msg.Payload[1])
	}

	e.mu.Lock()
	txn, ok := e.transactions[requestID]
	e.mu.Unlock()
	if !ok {
		return
	}
	txn.resolve(outcome{err: cierrs.New(cierrs.KindNAK, cierrs.WithStatus(status), cierrs.WithResource(txn.resource), cierrs.WithMUID(txn.destination))})
}

// Stop terminates every pending transaction with a transport-failure
// outcome and marks the engine not-running, per spec §7's propagation
// policy for transport-level failure.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.running = false
	txns := make([]*transaction, 0, len(e.transactions))
	for _, t := range e.transactions {
		txns = append(txns, t)
	}
	subs := make([]*Subscription, 0, len(e.subscriptions))
	for _, s := range e.subscriptions {
		subs = append(subs, s)
	}
	e.mu.Unlock()

	for _, t := range txns {
		t.resolve(outcome{err: cierrs.New(cierrs.KindTransportFailure, cierrs.WithResource(t.resource), cierrs.WithMUID(t.destination))})
	}
	for _, s := range subs {
		s.events.Close()
	}
}
