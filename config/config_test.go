// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	mqtt "github.com/tidemq/tide"
	"github.com/tidemq/tide/hooks/auth"
	"github.com/tidemq/tide/hooks/debug"
	"github.com/tidemq/tide/hooks/storage/badger"
	"github.com/tidemq/tide/hooks/storage/bolt"
	"github.com/tidemq/tide/hooks/storage/pebble"
	"github.com/tidemq/tide/hooks/storage/redis"
	"github.com/tidemq/tide/listeners"
)

var (
	yamlBytes = []byte(`
listeners:
  - type: "tcp"
    id: "file-tcp1"
    address: ":1883"
    accept_rate: 50
    accept_burst: 10
hooks:
  auth:
    allow_all: true
options:
  client_net_read_buffer_size: 2048
  capabilities:
    inflight_window: 20
    retry_delay_ms: 2000
    maximum_queued_messages: 50
    queue_overflow_policy: drop_oldest
`)

	jsonBytes = []byte(`{
   "listeners": [
      {
         "type": "tcp",
         "id": "file-tcp1",
         "address": ":1883",
         "accept_rate": 50,
         "accept_burst": 10
      }
   ],
   "hooks": {
      "auth": {
         "allow_all": true
      }
   },
   "options": {
      "client_net_read_buffer_size": 2048,
      "capabilities": {
         "inflight_window": 20,
         "retry_delay_ms": 2000,
         "maximum_queued_messages": 50,
         "queue_overflow_policy": "drop_oldest"
      }
   }
}
`)

	parsedOptions = mqtt.Options{
		Listeners: []listeners.Config{
			{
				Type:        listeners.TypeTCP,
				ID:          "file-tcp1",
				Address:     ":1883",
				AcceptRate:  50,
				AcceptBurst: 10,
			},
		},
		Hooks: []mqtt.HookLoadConfig{
			{
				Hook: new(auth.AllowHook),
			},
		},
		ClientNetReadBufferSize: 2048,
		Capabilities: parsedCapabilities(),
	}
)

func parsedCapabilities() *mqtt.Capabilities {
	c := mqtt.NewDefaultServerCapabilities()
	c.InflightWindow = 20
	c.RetryDelayMs = 2000
	c.MaximumQueuedMessages = 50
	c.QueueOverflowPolicy = mqtt.DropOldest
	return c
}

func TestFromBytesEmpty(t *testing.T) {
	o, err := FromBytes([]byte{})
	require.NoError(t, err)
	require.Nil(t, o)
}

func TestFromBytesYAML(t *testing.T) {
	o, err := FromBytes(yamlBytes)
	require.NoError(t, err)
	require.Equal(t, parsedOptions, *o)
}

func TestFromBytesYAMLError(t *testing.T) {
	_, err := FromBytes(append(yamlBytes, 'a'))
	require.Error(t, err)
}

func TestFromBytesJSON(t *testing.T) {
	o, err := FromBytes(jsonBytes)
	require.NoError(t, err)
	require.Equal(t, parsedOptions, *o)
}

func TestFromBytesJSONError(t *testing.T) {
	_, err := FromBytes(append(jsonBytes, 'a'))
	require.Error(t, err)
}

func TestFromBytesKeepsDefaultCapabilities(t *testing.T) {
	o, err := FromBytes([]byte("options:\n  capabilities:\n    maximum_retries: 3\n"))
	require.NoError(t, err)
	require.Equal(t, 3, o.Capabilities.MaximumRetries)
	require.Equal(t, byte(2), o.Capabilities.MaximumQos)
	require.Equal(t, byte(1), o.Capabilities.RetainAvailable)
	require.Equal(t, 10, o.Capabilities.InflightWindow)
}

func TestFromBytesStorageAndLedger(t *testing.T) {
	o, err := FromBytes([]byte(`
hooks:
  auth:
    ledger:
      auth:
        - username: tide
          password: melon
          allow: true
      acl:
        - username: tide
          filters:
            tide/#: 3
  storage:
    redis:
      address: "127.0.0.1:6380"
      database: 1
      h_prefix: "t-"
    bolt:
      path: "tide.db"
      bucket: "sessions"
  debug:
    show_payloads: true
`))
	require.NoError(t, err)
	require.Len(t, o.Hooks, 4)

	require.IsType(t, new(auth.Hook), o.Hooks[0].Hook)
	ledger := o.Hooks[0].Config.(*auth.Options).Ledger
	require.Len(t, ledger.Auth, 1)
	require.Equal(t, auth.RString("tide"), ledger.Auth[0].Username)
	require.Equal(t, auth.ReadWrite, ledger.ACL[0].Filters["tide/#"])

	require.IsType(t, new(bolt.Hook), o.Hooks[1].Hook)
	require.Equal(t, &bolt.Options{Path: "tide.db", Bucket: "sessions"}, o.Hooks[1].Config)

	require.IsType(t, new(redis.Hook), o.Hooks[2].Hook)
	require.Equal(t, &redis.Options{Address: "127.0.0.1:6380", Database: 1, HPrefix: "t-"}, o.Hooks[2].Config)

	require.IsType(t, new(debug.Hook), o.Hooks[3].Hook)
	require.Equal(t, &debug.Options{ShowPayloads: true}, o.Hooks[3].Config)
}

func TestToHooksAuthAllowAll(t *testing.T) {
	hc := HookConfigs{
		Auth: &HookAuthConfig{
			AllowAll: true,
		},
	}

	th := hc.toHooksAuth()
	expect := []mqtt.HookLoadConfig{
		{Hook: new(auth.AllowHook)},
	}
	require.Equal(t, expect, th)
}

func TestToHooksAuthAllowLedger(t *testing.T) {
	hc := HookConfigs{
		Auth: &HookAuthConfig{
			Ledger: auth.Ledger{
				Auth: auth.AuthRules{
					{Username: "tide", Password: "melon", Allow: true},
				},
			},
		},
	}

	th := hc.toHooksAuth()
	expect := []mqtt.HookLoadConfig{
		{
			Hook: new(auth.Hook),
			Config: &auth.Options{
				Ledger: &auth.Ledger{
					Auth: auth.AuthRules{
						{Username: "tide", Password: "melon", Allow: true},
					},
				},
			},
		},
	}
	require.Equal(t, expect, th)
}

func TestToHooksStorage(t *testing.T) {
	hc := HookConfigs{
		Storage: &HookStorageConfig{
			Badger: &badger.Options{Path: "badger"},
			Bolt:   &bolt.Options{Path: "bolt"},
			Redis:  &redis.Options{Username: "test"},
			Pebble: &pebble.Options{Path: "pebble"},
		},
	}

	th := hc.toHooksStorage()
	expect := []mqtt.HookLoadConfig{
		{Hook: new(badger.Hook), Config: hc.Storage.Badger},
		{Hook: new(bolt.Hook), Config: hc.Storage.Bolt},
		{Hook: new(redis.Hook), Config: hc.Storage.Redis},
		{Hook: new(pebble.Hook), Config: hc.Storage.Pebble},
	}

	require.Equal(t, expect, th)
}

func TestToHooksNone(t *testing.T) {
	require.Empty(t, HookConfigs{}.ToHooks())
}
