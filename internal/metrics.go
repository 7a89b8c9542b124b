package internal

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"hackchat/internal/registry"
)

type Metrics struct {
	signups         atomic.Uint64
	logins          atomic.Uint64
	messagesStored  atomic.Uint64
	pushesDelivered atomic.Uint64
	pushesDropped   atomic.Uint64
	framesRelayed   atomic.Uint64
	framesDropped   atomic.Uint64
	chatConns       atomic.Int64
	signalingConns  atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncSignup() {
	m.signups.Add(1)
}

func (m *Metrics) IncLogin() {
	m.logins.Add(1)
}

func (m *Metrics) IncStored() {
	m.messagesStored.Add(1)
}

func (m *Metrics) IncPushDelivered() {
	m.pushesDelivered.Add(1)
}

func (m *Metrics) IncPushDropped() {
	m.pushesDropped.Add(1)
}

func (m *Metrics) IncRelayed() {
	m.framesRelayed.Add(1)
}

func (m *Metrics) IncRelayDropped() {
	m.framesDropped.Add(1)
}

func (m *Metrics) IncConn(kind registry.Kind) {
	m.gauge(kind).Add(1)
}

func (m *Metrics) DecConn(kind registry.Kind) {
	m.gauge(kind).Add(-1)
}

func (m *Metrics) gauge(kind registry.Kind) *atomic.Int64 {
	if kind == registry.KindSignaling {
		return &m.signalingConns
	}
	return &m.chatConns
}

// Snapshot returns the counters keyed the way /metrics reports them.
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"version":                 Version,
		"signups_total":           m.signups.Load(),
		"logins_total":            m.logins.Load(),
		"messages_stored_total":   m.messagesStored.Load(),
		"pushes_delivered_total":  m.pushesDelivered.Load(),
		"pushes_dropped_total":    m.pushesDropped.Load(),
		"signals_relayed_total":   m.framesRelayed.Load(),
		"signals_dropped_total":   m.framesDropped.Load(),
		"active_chat_connections": m.chatConns.Load(),
		"active_rtc_connections":  m.signalingConns.Load(),
	}
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.Snapshot())
}
