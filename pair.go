package hub

import (
	"context"
	"errors"
	"fmt"
	"github.com/dlnraja/com.tuya.zigbee-sub048/attribute"
	"github.com/dlnraja/com.tuya.zigbee-sub048/binding"
	"github.com/dlnraja/com.tuya.zigbee-sub048/fingerprint"
	"github.com/dlnraja/com.tuya.zigbee-sub048/manifest"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/zigbee"
)

// Pair resolves the fingerprint of a joining node and binds it to the chosen descriptor. Node
// endpoints are given in the order descriptor endpoint indexes refer to. A
// binding.PartialFailureError is returned alongside the bound device when some capabilities
// could not be subscribed.
func (h *Hub) Pair(pctx context.Context, addr zigbee.IEEEAddress, o fingerprint.Observation, endpoints []zigbee.Endpoint) (*binding.BoundDevice, error) {
	if h.runtime == nil {
		return nil, ErrNotStarted
	}

	ctx, end := h.logger.Segment(pctx, "Pairing node.", logwrap.Datum("Node", addr.String()), logwrap.Datum("Fingerprint", o.String()))
	defer end()

	n, created := h.createNode(addr)

	if err := n.pairing.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer n.pairing.Release(1)

	if n.bound() {
		return nil, fmt.Errorf("%w: %s", binding.ErrDeviceAlreadyBound, addr)
	}

	r := h.resolver.Resolve(o)
	h.logger.LogInfo(ctx, "Fingerprint resolved.", logwrap.Datum("Outcome", r.Outcome.String()), logwrap.Datum("Score", r.Score), logwrap.Datum("Confidence", r.Confidence), logwrap.Datum("Alternates", r.AlternateIDs()))

	d, err := h.coordinator.Decide(ctx, addr.String(), o, r)
	if err != nil {
		h.logger.LogWarn(ctx, "Node could not be paired.", logwrap.Err(err))
		if created {
			h.forgetNode(addr)
		}
		return nil, fmt.Errorf("pairing %s: %w", addr, err)
	}

	bd, err := h.bind(ctx, n, d, o, endpoints)
	if bd == nil && created {
		h.forgetNode(addr)
	}

	return bd, err
}

// forgetNode drops a node which never bound, nothing was persisted for it.
func (h *Hub) forgetNode(addr zigbee.IEEEAddress) {
	h.nodeLock.Lock()
	defer h.nodeLock.Unlock()

	if n, found := h.node[addr]; found && !n.bound() {
		delete(h.node, addr)
	}
}

func (h *Hub) bind(ctx context.Context, n *node, d *manifest.DriverDescriptor, o fingerprint.Observation, endpoints []zigbee.Endpoint) (*binding.BoundDevice, error) {
	handles := make([]attribute.Endpoint, len(endpoints))
	for i, e := range endpoints {
		handles[i] = h.newEndpoint(n, e)
	}

	bd, err := h.runtime.Bind(ctx, n.address, d, handles)

	var partial *binding.PartialFailureError
	if err != nil && !errors.As(err, &partial) {
		h.logger.LogError(ctx, "Failed to bind node.", logwrap.Datum("Descriptor", d.ID), logwrap.Err(err))
		return nil, err
	}

	n.m.Lock()
	n.descriptor = d.ID
	n.fingerprint = o
	n.endpoints = endpoints
	n.m.Unlock()

	h.storeNode(n)

	h.logger.LogInfo(ctx, "Node bound.", logwrap.Datum("Descriptor", d.ID), logwrap.Datum("Capabilities", bd.Capabilities()))

	if cerr := h.callbacks.Call(ctx, internalDeviceBound{node: n, device: bd}); cerr != nil {
		h.logger.LogError(ctx, "Failed calling device bound callback.", logwrap.Err(cerr))
	}

	return bd, err
}

// Remove unbinds the node and forgets its pairing. Once it returns no subscription of the node
// remains.
func (h *Hub) Remove(pctx context.Context, addr zigbee.IEEEAddress) error {
	if h.runtime == nil {
		return ErrNotStarted
	}

	ctx, end := h.logger.Segment(pctx, "Removing node.", logwrap.Datum("Node", addr.String()))
	defer end()

	n := h.getNode(addr)
	if n == nil || !n.bound() {
		return fmt.Errorf("%w: %s", binding.ErrDeviceNotBound, addr)
	}

	if err := n.pairing.Acquire(ctx, 1); err != nil {
		return err
	}
	defer n.pairing.Release(1)

	if err := h.runtime.Unbind(ctx, addr); err != nil && !errors.Is(err, binding.ErrDeviceNotBound) {
		return err
	}

	h.removeNode(addr)

	if err := h.callbacks.Call(ctx, internalDeviceRemoved{node: n}); err != nil {
		h.logger.LogError(ctx, "Failed calling device removed callback.", logwrap.Err(err))
	}

	return nil
}

// Refresh reads every bound attribute of the node.
func (h *Hub) Refresh(ctx context.Context, addr zigbee.IEEEAddress) error {
	if h.runtime == nil {
		return ErrNotStarted
	}

	return h.runtime.Refresh(ctx, addr)
}

// loadNodes binds the nodes recorded in persistence again. A node whose descriptor is no longer
// loaded is resolved again from its recorded fingerprint.
func (h *Hub) loadNodes(pctx context.Context) {
	ctx, end := h.logger.Segment(pctx, "Loading persistence.")
	defer end()

	for _, addr := range h.nodeListFromPersistence() {
		h.loadNode(ctx, addr)
	}
}

func (h *Hub) loadNode(pctx context.Context, addr zigbee.IEEEAddress) {
	ctx, end := h.logger.Segment(pctx, "Loading node data.", logwrap.Datum("Node", addr.String()))
	defer end()

	sn, err := h.readNode(addr)
	if err != nil {
		h.logger.LogError(ctx, "Persisted node is malformed, forgetting.", logwrap.Err(err))
		h.sectionRemoveNode(addr)
		return
	}

	d, found := h.index.Descriptor(sn.descriptor)
	if !found {
		h.logger.LogWarn(ctx, "Persisted descriptor no longer loaded, resolving again.", logwrap.Datum("Descriptor", sn.descriptor))

		d, err = h.coordinator.Decide(ctx, addr.String(), sn.fingerprint, h.resolver.Resolve(sn.fingerprint))
		if err != nil {
			h.logger.LogError(ctx, "Persisted node could not be resolved, forgetting.", logwrap.Err(err))
			h.sectionRemoveNode(addr)
			return
		}
	}

	n, _ := h.createNode(addr)

	bd, err := h.bind(ctx, n, d, sn.fingerprint, sn.endpoints)
	if bd == nil {
		h.forgetNode(addr)
	}

	if err != nil {
		h.logger.LogWarn(ctx, "Persisted node bound with errors.", logwrap.Err(err))
	}
}
