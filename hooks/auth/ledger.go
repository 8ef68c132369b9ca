// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package auth

import (
	"encoding/json"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	mqtt "github.com/tidemq/tide"
)

const (
	Deny      Access = iota // user cannot access the topic
	ReadOnly                // user can only subscribe to the topic
	WriteOnly               // user can only publish to the topic
	ReadWrite               // user can both publish and subscribe to the topic
)

// Access determines the read/write privileges for an ACL rule.
type Access byte

// readable returns true if the access level permits subscribing.
func (a Access) readable() bool {
	return a == ReadOnly || a == ReadWrite
}

// writable returns true if the access level permits publishing.
func (a Access) writable() bool {
	return a == WriteOnly || a == ReadWrite
}

// allows returns true if the access level permits a read or a write.
func (a Access) allows(write bool) bool {
	if write {
		return a.writable()
	}
	return a.readable()
}

// Identity is the set of values a rule is matched against.
type Identity struct {
	Client   string // the client id
	Username string // the username the client connected with
	Remote   string // the remote address of the connection, if one is bound
}

// Users contains a map of access rules for specific users, keyed on username.
type Users map[string]UserRule

// UserRule defines a set of access rules for a specific user.
type UserRule struct {
	Username RString `json:"username,omitempty" yaml:"username,omitempty"` // the username of a user
	Password RString `json:"password,omitempty" yaml:"password,omitempty"` // the password of a user
	ACL      Filters `json:"acl,omitempty" yaml:"acl,omitempty"`           // filters to match, if desired
	Disallow bool    `json:"disallow,omitempty" yaml:"disallow,omitempty"` // allow or disallow the user
}

// AuthRules defines generic access rules applicable to all users.
type AuthRules []AuthRule

// AuthRule defines a connection rule. Empty fields match any value.
type AuthRule struct {
	Client   RString `json:"client,omitempty" yaml:"client,omitempty"`     // the id of a connecting client
	Username RString `json:"username,omitempty" yaml:"username,omitempty"` // the username of a user
	Remote   RString `json:"remote,omitempty" yaml:"remote,omitempty"`     // remote address or
	Password RString `json:"password,omitempty" yaml:"password,omitempty"` // the password of a user
	Allow    bool    `json:"allow,omitempty" yaml:"allow,omitempty"`       // allow or disallow the users
}

// ACLRules defines generic topic or filter access rules applicable to all users.
type ACLRules []ACLRule

// ACLRule defines access rules for a specific topic or filter.
type ACLRule struct {
	Client   RString `json:"client,omitempty" yaml:"client,omitempty"`     // the id of a connecting client
	Username RString `json:"username,omitempty" yaml:"username,omitempty"` // the username of a user
	Remote   RString `json:"remote,omitempty" yaml:"remote,omitempty"`     // remote address or
	Filters  Filters `json:"filters,omitempty" yaml:"filters,omitempty"`   // filters to match
}

// matches returns true if the rule applies to the identity.
func (r ACLRule) matches(id Identity) bool {
	return r.Client.Matches(id.Client) &&
		r.Username.Matches(id.Username) &&
		r.Remote.Matches(id.Remote)
}

// Filters is a map of Access rules keyed on filter.
type Filters map[RString]Access

// RString is a rule value string. A trailing * matches any suffix.
type RString string

// Matches returns true if the rule matches a given string.
func (r RString) Matches(a string) bool {
	rr := string(r)
	if r == "" || r == "*" || a == rr {
		return true
	}

	i := strings.Index(rr, "*")
	if i > 0 && len(a) > i && rr[:i] == a[:i] {
		return true
	}

	return false
}

// FilterMatches returns true if the rule, as a topic filter, matches a topic. A rule
// also matches a subscription filter which is identical to it.
func (r RString) FilterMatches(a string) bool {
	return string(r) == a || mqtt.MatchTopic(string(r), a)
}

// Ledger is an auth ledger containing access rules for users and topics.
type Ledger struct {
	sync.Mutex `json:"-" yaml:"-"`
	Users      Users     `json:"users" yaml:"users"`
	Auth       AuthRules `json:"auth" yaml:"auth"`
	ACL        ACLRules  `json:"acl" yaml:"acl"`
}

// Update replaces the rules of the ledger.
func (l *Ledger) Update(ln *Ledger) {
	l.Lock()
	defer l.Unlock()
	l.Users = ln.Users
	l.Auth = ln.Auth
	l.ACL = ln.ACL
}

// AuthOk returns true if the rules indicate the user is allowed to connect, and the
// index of the rule which decided.
func (l *Ledger) AuthOk(id Identity, password []byte) (n int, ok bool) {
	l.Lock()
	defer l.Unlock()

	// A predefined user takes precedence over the generic rules.
	if l.Users != nil {
		if u, ok := l.Users[id.Username]; ok &&
			u.Password != "" &&
			u.Password == RString(password) {
			return 0, !u.Disallow
		}
	}

	for n, rule := range l.Auth {
		if rule.Client.Matches(id.Client) &&
			rule.Username.Matches(id.Username) &&
			rule.Password.Matches(string(password)) &&
			rule.Remote.Matches(id.Remote) {
			return n, rule.Allow
		}
	}

	return 0, false
}

// ACLOk returns true if the rules indicate the user is allowed to read or write to
// a specific filter or topic respectively, based on the `write` bool. Topics which
// no rule mentions are allowed.
func (l *Ledger) ACLOk(id Identity, topic string, write bool) (n int, ok bool) {
	l.Lock()
	defer l.Unlock()

	if l.Users != nil {
		if u, ok := l.Users[id.Username]; ok && len(u.ACL) > 0 {
			for filter, access := range u.ACL {
				if filter.FilterMatches(topic) {
					return 0, access.allows(write)
				}
			}
		}
	}

	for n, rule := range l.ACL {
		if !rule.matches(id) {
			continue
		}

		if len(rule.Filters) == 0 {
			return n, true
		}

		matched := false
		for filter, access := range rule.Filters {
			if !filter.FilterMatches(topic) {
				continue
			}

			if access.allows(write) {
				return n, true
			}
			matched = true
		}

		if matched {
			return n, false
		}
	}

	return 0, true
}

// ToJSON encodes the values into a JSON string.
func (l *Ledger) ToJSON() (data []byte, err error) {
	return json.Marshal(l)
}

// ToYAML encodes the values into a YAML string.
func (l *Ledger) ToYAML() (data []byte, err error) {
	return yaml.Marshal(l)
}

// Unmarshal decodes a JSON or YAML string (such as a rule config from a file) into a struct.
func (l *Ledger) Unmarshal(data []byte) error {
	l.Lock()
	defer l.Unlock()
	if len(data) == 0 {
		return nil
	}

	if data[0] == '{' {
		return json.Unmarshal(data, l)
	}

	return yaml.Unmarshal(data, l)
}
