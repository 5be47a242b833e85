package hub

import (
	"github.com/dlnraja/com.tuya.zigbee-sub048/fingerprint"
	"github.com/shimmeringbee/persistence"
	"github.com/shimmeringbee/zigbee"
	"golang.org/x/sync/semaphore"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	DescriptorKey = "Descriptor"
	VendorIDKey   = "VendorID"
	ProductIDKey  = "ProductID"
	ModelIDKey    = "ModelID"
	SignatureKey  = "Signature"
	EndpointsKey  = "Endpoints"
)

type node struct {
	// Immutable data.
	address   zigbee.IEEEAddress
	m         *sync.RWMutex
	useAPSAck bool

	// Thread safe data.
	sequence chan uint8
	pairing  *semaphore.Weighted

	// Mutable data, obtain lock first.
	descriptor  string
	fingerprint fingerprint.Observation
	endpoints   []zigbee.Endpoint
}

func makeTransactionSequence() chan uint8 {
	ch := make(chan uint8, math.MaxUint8)

	for i := uint8(0); i < math.MaxUint8; i++ {
		ch <- i
	}

	return ch
}

func (n *node) nextTransactionSequence() uint8 {
	nextSeq := <-n.sequence
	n.sequence <- nextSeq

	return nextSeq
}

func (n *node) bound() bool {
	n.m.RLock()
	defer n.m.RUnlock()

	return n.descriptor != ""
}

func (h *Hub) createNode(addr zigbee.IEEEAddress) (*node, bool) {
	h.nodeLock.Lock()
	defer h.nodeLock.Unlock()

	n, found := h.node[addr]
	if !found {
		n = &node{
			address:  addr,
			m:        &sync.RWMutex{},
			sequence: makeTransactionSequence(),
			pairing:  semaphore.NewWeighted(1),
		}

		h.node[addr] = n
	}

	return n, !found
}

func (h *Hub) getNode(addr zigbee.IEEEAddress) *node {
	h.nodeLock.RLock()
	defer h.nodeLock.RUnlock()

	return h.node[addr]
}

func (h *Hub) removeNode(addr zigbee.IEEEAddress) bool {
	h.nodeLock.Lock()
	defer h.nodeLock.Unlock()

	_, found := h.node[addr]
	if found {
		delete(h.node, addr)
		h.sectionRemoveNode(addr)
	}

	return found
}

// Nodes returns the addresses of every paired node in ascending order.
func (h *Hub) Nodes() []zigbee.IEEEAddress {
	h.nodeLock.RLock()
	defer h.nodeLock.RUnlock()

	var addrs []zigbee.IEEEAddress
	for addr, n := range h.node {
		if n.bound() {
			addrs = append(addrs, addr)
		}
	}

	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

func (h *Hub) sectionRemoveNode(i zigbee.IEEEAddress) bool {
	return h.section.Section("Node").Delete(i.String())
}

func (h *Hub) sectionForNode(i zigbee.IEEEAddress) persistence.Section {
	return h.section.Section("Node", i.String())
}

func (h *Hub) nodeListFromPersistence() []zigbee.IEEEAddress {
	var nodeList []zigbee.IEEEAddress

	for _, k := range h.section.Section("Node").Keys() {
		if addr, err := strconv.ParseUint(k, 16, 64); err == nil {
			nodeList = append(nodeList, zigbee.IEEEAddress(addr))
		}
	}

	sort.Slice(nodeList, func(i, j int) bool { return nodeList[i] < nodeList[j] })
	return nodeList
}

// storeNode records what is needed to bind the node again after a restart.
func (h *Hub) storeNode(n *node) {
	n.m.RLock()
	defer n.m.RUnlock()

	s := h.sectionForNode(n.address)
	s.Set(DescriptorKey, n.descriptor)
	s.Set(VendorIDKey, n.fingerprint.VendorID)
	s.Set(ProductIDKey, n.fingerprint.ProductID)
	s.Set(ModelIDKey, n.fingerprint.ModelID)
	s.Set(SignatureKey, strings.Join(n.fingerprint.Endpoints, ","))
	s.Set(EndpointsKey, formatEndpoints(n.endpoints))
}

type storedNode struct {
	descriptor  string
	fingerprint fingerprint.Observation
	endpoints   []zigbee.Endpoint
}

func (h *Hub) readNode(addr zigbee.IEEEAddress) (storedNode, error) {
	s := h.sectionForNode(addr)

	var sn storedNode
	sn.descriptor, _ = s.String(DescriptorKey)
	sn.fingerprint.VendorID, _ = s.String(VendorIDKey)
	sn.fingerprint.ProductID, _ = s.String(ProductIDKey)
	sn.fingerprint.ModelID, _ = s.String(ModelIDKey)

	if sig, _ := s.String(SignatureKey); sig != "" {
		sn.fingerprint.Endpoints = strings.Split(sig, ",")
	}

	eps, _ := s.String(EndpointsKey)

	var err error
	sn.endpoints, err = parseEndpoints(eps)
	return sn, err
}

func formatEndpoints(eps []zigbee.Endpoint) string {
	parts := make([]string, 0, len(eps))
	for _, e := range eps {
		parts = append(parts, strconv.Itoa(int(e)))
	}
	return strings.Join(parts, ",")
}

func parseEndpoints(s string) ([]zigbee.Endpoint, error) {
	if s == "" {
		return nil, nil
	}

	var eps []zigbee.Endpoint
	for _, p := range strings.Split(s, ",") {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return nil, err
		}
		eps = append(eps, zigbee.Endpoint(v))
	}

	return eps, nil
}
