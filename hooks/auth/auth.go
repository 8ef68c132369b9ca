// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package auth contains hooks which decide whether clients may connect, and which
// topics they may publish or subscribe to.
package auth

import (
	"bytes"

	mqtt "github.com/tidemq/tide"
	"github.com/tidemq/tide/packets"
)

// Options contains the configuration/rules data for the auth ledger.
type Options struct {
	Data   []byte  `yaml:"-" json:"-"`
	Ledger *Ledger `yaml:"ledger" json:"ledger"`
}

// Hook is an authentication hook which implements an auth ledger.
type Hook struct {
	mqtt.HookBase
	config *Options
	ledger *Ledger
}

// ID returns the ID of the hook.
func (h *Hook) ID() string {
	return "auth-ledger"
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
	}, []byte{b})
}

// Init configures the hook with the auth ledger to be used for checking.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)

	var err error
	if h.config.Ledger != nil {
		h.ledger = h.config.Ledger
	} else if len(h.config.Data) > 0 {
		h.ledger = new(Ledger)
		err = h.ledger.Unmarshal(h.config.Data)
	}
	if err != nil {
		return err
	}

	if h.ledger == nil {
		h.ledger = &Ledger{
			Auth: AuthRules{},
			ACL:  ACLRules{},
		}
	}

	h.Log.Info("loaded auth rules",
		"authentication", len(h.ledger.Auth),
		"acl", len(h.ledger.ACL),
		"users", len(h.ledger.Users))

	return nil
}

// OnConnectAuthenticate returns true if the connecting client has rules which provide access
// in the auth ledger.
func (h *Hook) OnConnectAuthenticate(conn mqtt.Conn, pk packets.Packet) bool {
	id := Identity{
		Client:   pk.Connect.ClientIdentifier,
		Username: string(pk.Connect.Username),
		Remote:   conn.Remote(),
	}

	if _, ok := h.ledger.AuthOk(id, pk.Connect.Password); ok {
		return true
	}

	h.Log.Info("client failed authentication check",
		"username", id.Username,
		"remote", id.Remote)

	return false
}

// OnACLCheck returns true if the session has matching read or write access to subscribe
// or publish to a given topic.
func (h *Hook) OnACLCheck(sess *mqtt.Session, topic string, write bool) bool {
	id := sessionIdentity(sess)
	if _, ok := h.ledger.ACLOk(id, topic, write); ok {
		return true
	}

	h.Log.Debug("client failed allowed ACL check",
		"client", id.Client,
		"username", id.Username,
		"topic", topic)

	return false
}

// sessionIdentity returns the identity of a session. Will messages may be checked
// after the connection has gone, in which case the remote address is empty.
func sessionIdentity(sess *mqtt.Session) Identity {
	if sess == nil {
		return Identity{}
	}

	id := Identity{
		Client:   sess.ID,
		Username: string(sess.Username()),
	}

	if conn := sess.Conn(); conn != nil {
		id.Remote = conn.Remote()
	}

	return id
}
