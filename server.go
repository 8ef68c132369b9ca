// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package mqtt provides an MQTT v3.1 and v3.1.1 broker core with persistent sessions,
// qos 1 and 2 delivery, offline queueing and retained messages.
package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidemq/tide/hooks/storage"
	"github.com/tidemq/tide/listeners"
	"github.com/tidemq/tide/packets"
	"github.com/tidemq/tide/system"
)

const (
	Version = "1.0.0" // the current server version.
)

var (
	ErrListenerIDExists = errors.New("listener id already exists") // a listener with the same id already exists
	ErrConnectionClosed = errors.New("connection not open")        // connection is closed
)

// Capabilities indicates the capabilities and features provided by the server.
type Capabilities struct {
	MaximumClients             int64               `yaml:"maximum_clients" json:"maximum_clients"`                             // maximum number of connected clients
	RetryDelayMs               int64               `yaml:"retry_delay_ms" json:"retry_delay_ms"`                               // milliseconds to wait for an acknowledgement before retransmitting
	RetransmitIntervalMs       int64               `yaml:"retransmit_interval_ms" json:"retransmit_interval_ms"`               // milliseconds between scans for expired acknowledgements
	MaximumClientWritesPending int32               `yaml:"maximum_client_writes_pending" json:"maximum_client_writes_pending"` // maximum number of pending packet writes for a connection
	InflightWindow             int                 `yaml:"inflight_window" json:"inflight_window"`                             // maximum number of unacknowledged qos messages per session
	MaximumRetries             int                 `yaml:"maximum_retries" json:"maximum_retries"`                             // retransmissions before a message is dropped, 0 is unbounded
	MaximumQueuedMessages      int                 `yaml:"maximum_queued_messages" json:"maximum_queued_messages"`             // maximum length of a session queue, 0 is unbounded
	QueueOverflowPolicy        QueueOverflowPolicy `yaml:"queue_overflow_policy" json:"queue_overflow_policy"`                 // what to drop when a session queue is full
	MaximumQos                 byte                `yaml:"maximum_qos" json:"maximum_qos"`                                     // maximum qos value available to clients
	RetainAvailable            byte                `yaml:"retain_available" json:"retain_available"`                           // support of retain messages
	AllowEmptyClientID         bool                `yaml:"allow_empty_client_id" json:"allow_empty_client_id"`                 // assign ids to clean clients which connect without one
}

// NewDefaultServerCapabilities defines the default features and capabilities provided by the server.
func NewDefaultServerCapabilities() *Capabilities {
	return &Capabilities{
		MaximumClients:             math.MaxInt64, // maximum number of connected clients
		RetryDelayMs:               5000,          // wait five seconds before retransmitting
		RetransmitIntervalMs:       1000,          // scan for expired acknowledgements every second
		MaximumClientWritesPending: 1024,          // maximum number of pending packet writes for a connection
		InflightWindow:             10,            // maximum number of unacknowledged qos messages per session
		MaximumRetries:             0,             // retransmit until acknowledged
		MaximumQueuedMessages:      1000,          // maximum length of a session queue
		QueueOverflowPolicy:        DropNewest,    // refuse new messages when a session queue is full
		MaximumQos:                 2,             // maximum qos value available to clients
		RetainAvailable:            1,             // retain messages is available
		AllowEmptyClientID:         true,          // clean clients may connect without an id
	}
}

// RetryDelay returns the time to wait for an acknowledgement before retransmitting.
func (c *Capabilities) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// RetransmitInterval returns the time between scans for expired acknowledgements.
func (c *Capabilities) RetransmitInterval() time.Duration {
	return time.Duration(c.RetransmitIntervalMs) * time.Millisecond
}

// Options contains configurable options for the server.
type Options struct {
	// Listeners specifies any listeners which should be dynamically added on serve. Used when setting listeners by config.
	Listeners []listeners.Config `yaml:"listeners" json:"listeners"`

	// Hooks specifies any hooks which should be dynamically added on serve. Used when setting hooks by config.
	Hooks []HookLoadConfig `yaml:"hooks" json:"hooks"`

	// Capabilities defines the server features and behaviour. If you only wish to modify
	// several of these values, set them explicitly - e.g.
	// 	server.Options.Capabilities.InflightWindow = 32
	Capabilities *Capabilities `yaml:"capabilities" json:"capabilities"`

	// ClientNetReadBufferSize specifies the size of the client *bufio.Reader read buffer.
	ClientNetReadBufferSize int `yaml:"client_net_read_buffer_size" json:"client_net_read_buffer_size"`

	// Logger specifies a custom configured implementation of log/slog to override
	// the servers default logger configuration. If you wish to change the log level,
	// of the default logger, you can do so by setting:
	// 	level := new(slog.LevelVar)
	// 	opts.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
	// 		Level: level,
	// 	}))
	// 	level.Set(slog.LevelDebug)
	Logger *slog.Logger `yaml:"-" json:"-"`

	// QueueFactory creates the offline queue for each session. Defaults to NewMemoryQueue.
	QueueFactory QueueFactory `yaml:"-" json:"-"`

	// SysInfoInterval specifies the interval between broker stats updates in seconds.
	SysInfoInterval int64 `yaml:"sys_info_interval" json:"sys_info_interval"`
}

// Server is an MQTT broker server. It should be created with server.New()
// in order to ensure all the internal fields are correctly populated.
type Server struct {
	Options   *Options             // configurable server options
	Listeners *listeners.Listeners // listeners are network interfaces which listen for new connections
	Clients   *Clients             // network connections known to the broker
	Sessions  *Sessions            // sessions known to the broker, keyed on client id
	Topics    *TopicsIndex         // an index of topic filter subscriptions
	Retained  *RetainedStore       // retained messages, keyed on topic
	Info      *system.Info         // values about the server
	loop      *loop                // loop contains tickers for the system event loop
	done      chan bool            // indicate that the server is ending
	Log       *slog.Logger         // structured logger
	hooks     *Hooks               // hooks contains hooks for extra functionality such as auth and persistent storage
	ops       *ops                 // values shared with sessions and clients
}

// loop contains interval tickers for the system events loop.
type loop struct {
	retransmit *time.Ticker // interval ticker for resending unacknowledged messages
	sysInfo    *time.Ticker // interval ticker for refreshing broker stats
}

// ops contains server values which can be propagated to other structs.
type ops struct {
	options *Options     // a pointer to the server options and capabilities, for referencing in clients
	info    *system.Info // pointers to server system info
	hooks   *Hooks       // pointer to the server hooks
	log     *slog.Logger // a structured logger for the client
}

// New returns a new instance of the broker. Optional parameters
// can be specified to override some default settings (see Options).
func New(opts *Options) *Server {
	if opts == nil {
		opts = new(Options)
	}

	opts.ensureDefaults()

	s := &Server{
		done:      make(chan bool),
		Clients:   NewClients(),
		Topics:    NewTopicsIndex(),
		Retained:  NewRetainedStore(),
		Listeners: listeners.New(),
		loop: &loop{
			retransmit: time.NewTicker(opts.Capabilities.RetransmitInterval()),
			sysInfo:    time.NewTicker(time.Second * time.Duration(opts.SysInfoInterval)),
		},
		Options: opts,
		Info: &system.Info{
			Version: Version,
			Started: time.Now().Unix(),
		},
		Log: opts.Logger,
		hooks: &Hooks{
			Log: opts.Logger,
		},
	}

	s.ops = &ops{
		options: s.Options,
		info:    s.Info,
		hooks:   s.hooks,
		log:     s.Log,
	}

	s.Sessions = NewSessions(s.Topics, s.ops, opts.QueueFactory)
	return s
}

// ensureDefaults ensures that the server starts with sane default values, if none are provided.
func (o *Options) ensureDefaults() {
	if o.Capabilities == nil {
		o.Capabilities = NewDefaultServerCapabilities()
	}

	if o.Capabilities.MaximumClients == 0 {
		o.Capabilities.MaximumClients = math.MaxInt64
	}

	if o.Capabilities.InflightWindow <= 0 {
		o.Capabilities.InflightWindow = 10
	}

	if o.Capabilities.RetryDelayMs <= 0 {
		o.Capabilities.RetryDelayMs = 5000
	}

	if o.Capabilities.RetransmitIntervalMs <= 0 {
		o.Capabilities.RetransmitIntervalMs = 1000
	}

	if o.Capabilities.MaximumClientWritesPending <= 0 {
		o.Capabilities.MaximumClientWritesPending = 1024
	}

	if o.Capabilities.QueueOverflowPolicy == "" {
		o.Capabilities.QueueOverflowPolicy = DropNewest
	}

	if o.Capabilities.MaximumQos > 2 {
		o.Capabilities.MaximumQos = 2
	}

	if o.ClientNetReadBufferSize == 0 {
		o.ClientNetReadBufferSize = 1024 * 2
	}

	if o.SysInfoInterval == 0 {
		o.SysInfoInterval = 1
	}

	if o.QueueFactory == nil {
		o.QueueFactory = NewMemoryQueue
	}

	if o.Logger == nil {
		log := slog.New(slog.NewTextHandler(os.Stdout, nil))
		o.Logger = log
	}
}

// NewClient returns a new Client instance for a network connection, populated with all
// the required values and references to be used with the server.
func (s *Server) NewClient(c net.Conn, listener string) *Client {
	cl := newClient(c, s.ops)
	cl.Net.Listener = listener
	return cl
}

// AddHook attaches a new Hook to the server. Ideally, this should be called
// before the server is started with s.Serve().
func (s *Server) AddHook(hook Hook, config any) error {
	nl := s.Log.With("hook", hook.ID())
	hook.SetOpts(nl, &HookOptions{
		Capabilities: s.Options.Capabilities,
	})

	s.Log.Info("added hook", "hook", hook.ID())
	return s.hooks.Add(hook, config)
}

// AddHooksFromConfig adds hooks to the server which were specified in the hooks config (usually from a config file).
func (s *Server) AddHooksFromConfig(hooks []HookLoadConfig) error {
	for _, h := range hooks {
		if err := s.AddHook(h.Hook, h.Config); err != nil {
			return err
		}
	}
	return nil
}

// AddListener adds a new network listener to the server, for receiving incoming client connections.
func (s *Server) AddListener(l listeners.Listener) error {
	if _, ok := s.Listeners.Get(l.ID()); ok {
		return ErrListenerIDExists
	}

	nl := s.Log.With(slog.String("listener", l.ID()))
	err := l.Init(nl)
	if err != nil {
		return err
	}

	s.Listeners.Add(l)

	s.Log.Info("attached listener", "id", l.ID(), "protocol", l.Protocol(), "address", l.Address())
	return nil
}

// AddListenersFromConfig adds listeners to the server which were specified in the listeners config (usually from a config file).
// New built-in listeners should be added to this list.
func (s *Server) AddListenersFromConfig(configs []listeners.Config) error {
	for _, conf := range configs {
		var l listeners.Listener
		switch strings.ToLower(conf.Type) {
		case listeners.TypeTCP:
			l = listeners.NewTCP(conf)
		case listeners.TypeWS:
			l = listeners.NewWebsocket(conf)
		case listeners.TypeUnix:
			l = listeners.NewUnixSock(conf)
		case listeners.TypeHealthCheck:
			l = listeners.NewHTTPHealthCheck(conf)
		case listeners.TypeStats:
			l = listeners.NewHTTPStats(conf, s.Info)
		case listeners.TypeMock:
			l = listeners.NewMockListener(conf.ID, conf.Address)
		default:
			s.Log.Error("listener type unavailable by config", "listener", conf.Type)
			continue
		}
		if err := s.AddListener(l); err != nil {
			return err
		}
	}
	return nil
}

// Serve starts the event loops responsible for establishing client connections
// on all attached listeners, retransmitting unacknowledged messages, and starting all hooks.
func (s *Server) Serve() error {
	s.Log.Info("tide mqtt starting", "version", Version)
	defer s.Log.Info("tide mqtt server started")

	if len(s.Options.Listeners) > 0 {
		err := s.AddListenersFromConfig(s.Options.Listeners)
		if err != nil {
			return err
		}
	}

	if len(s.Options.Hooks) > 0 {
		err := s.AddHooksFromConfig(s.Options.Hooks)
		if err != nil {
			return err
		}
	}

	if s.hooks.Provides(
		StoredSessions,
		StoredSubscriptions,
		StoredInflightMessages,
		StoredQueuedMessages,
		StoredRetainedMessages,
	) {
		err := s.readStore()
		if err != nil {
			return err
		}
	}

	go s.eventLoop()                            // spin up event loop for retransmission and closing server.
	s.Listeners.ServeAll(s.EstablishConnection) // start listening on all listeners.
	s.updateInfo()
	s.hooks.OnStarted()

	return nil
}

// eventLoop loops forever, running various server housekeeping methods at different intervals.
func (s *Server) eventLoop() {
	s.Log.Debug("system event loop started")
	defer s.Log.Debug("system event loop halted")

	for {
		select {
		case <-s.done:
			s.loop.retransmit.Stop()
			s.loop.sysInfo.Stop()
			return
		case now := <-s.loop.retransmit.C:
			s.retransmit(now)
		case <-s.loop.sysInfo.C:
			s.updateInfo()
		}
	}
}

// retransmit resends every inflight message whose acknowledgement is overdue.
func (s *Server) retransmit(now time.Time) {
	for _, sess := range s.Sessions.GetAll() {
		sess.Retransmit(now)
	}
}

// updateInfo refreshes the broker stats which are derived from current state.
func (s *Server) updateInfo() {
	var connected, inflight, queued, subscriptions int64
	sessions := s.Sessions.GetAll()
	for _, sess := range sessions {
		if sess.Status() == StatusConnected {
			connected++
		}
		inflight += int64(sess.Inflight.Len())
		queued += int64(sess.Queue().Len())
		subscriptions += int64(sess.Subscriptions.Len())
	}

	now := time.Now().Unix()
	atomic.StoreInt64(&s.Info.Time, now)
	atomic.StoreInt64(&s.Info.Uptime, now-atomic.LoadInt64(&s.Info.Started))
	atomic.StoreInt64(&s.Info.SessionsTotal, int64(len(sessions)))
	atomic.StoreInt64(&s.Info.SessionsDisconnected, int64(len(sessions))-connected)
	atomic.StoreInt64(&s.Info.Inflight, inflight)
	atomic.StoreInt64(&s.Info.Queued, queued)
	atomic.StoreInt64(&s.Info.Subscriptions, subscriptions)
	atomic.StoreInt64(&s.Info.Retained, int64(s.Retained.Len()))
	atomic.StoreInt64(&s.Info.Threads, int64(runtime.NumGoroutine()))
}

// EstablishConnection establishes a new client when a listener accepts a new connection.
func (s *Server) EstablishConnection(listener string, c net.Conn) error {
	cl := s.NewClient(c, listener)
	return s.attachClient(cl, listener)
}

// attachClient validates an incoming client connection and if viable, binds the client
// to a session and reads incoming packets until the connection ends.
func (s *Server) attachClient(cl *Client, listener string) error {
	defer s.Listeners.ClientsWg.Done()
	s.Listeners.ClientsWg.Add(1)
	defer cl.Stop(nil)

	pk, err := s.readConnectionPacket(cl)
	if err != nil {
		return fmt.Errorf("read connection: %w", err)
	}

	cl.ParseConnect(listener, pk)
	s.Clients.Add(cl)
	defer s.Clients.Delete(cl.ID())

	sess, err := s.OnConnect(cl, pk)
	if err != nil {
		cl.flush()
		return err
	}

	s.Info.ClientConnected()
	defer atomic.AddInt64(&s.Info.ClientsConnected, -1)

	cl.Lock()
	cl.Properties.ClientID = sess.ID
	cl.Unlock()
	cl.session.Store(sess)
	go cl.WriteLoop()

	s.Log.Debug("client connected", "client", sess.ID, "remote", cl.Net.Remote, "listener", listener)

	err = cl.Read(func(cl *Client, pk packets.Packet) error {
		return s.processPacket(cl, sess, pk)
	})

	if errors.Is(err, packets.CodeDisconnect) {
		return nil
	}

	if cause := cl.StopCause(); cause != nil {
		err = cause
	}

	s.OnConnectionLost(sess, cl, err)
	if err != nil && !errors.Is(err, packets.ErrSessionTakenOver) && !errors.Is(err, packets.ErrServerShuttingDown) {
		s.Log.Debug("client disconnected", "error", err, "client", sess.ID, "remote", cl.Net.Remote, "listener", listener)
	}

	return nil
}

// readConnectionPacket reads the first incoming header for a connection, and if
// acceptable, returns the valid connection packet.
func (s *Server) readConnectionPacket(cl *Client) (pk packets.Packet, err error) {
	cl.refreshDeadline(cl.State.keepalive)
	pk, err = cl.ReadPacket()
	if err != nil {
		return
	}

	if pk.FixedHeader.Type != packets.Connect {
		return pk, packets.ErrProtocolViolationRequireFirstConnect // [MQTT-3.1.0-1]
	}

	return
}

// processPacket processes an inbound packet for a client's session. A returned error
// ends the connection.
func (s *Server) processPacket(cl *Client, sess *Session, pk packets.Packet) error {
	switch pk.FixedHeader.Type {
	case packets.Connect:
		return packets.ErrProtocolViolationSecondConnect // [MQTT-3.1.0-2]
	case packets.Publish:
		return s.OnPublish(sess, pk)
	case packets.Puback, packets.Pubrec, packets.Pubrel, packets.Pubcomp:
		if err := s.OnAck(sess, pk.PacketID, pk.FixedHeader.Type); err != nil {
			s.Log.Debug("unexpected acknowledgement", "error", err, "client", sess.ID, "packet_id", pk.PacketID, "type", packets.PacketNames[pk.FixedHeader.Type])
		}
		return nil
	case packets.Subscribe:
		return s.OnSubscribe(sess, pk)
	case packets.Unsubscribe:
		return s.OnUnsubscribe(sess, pk)
	case packets.Pingreq:
		err := cl.WritePacket(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Pingresp}, // [MQTT-3.12.4-1]
		})
		if err != nil {
			s.Log.Debug("failed to write pingresp", "error", err, "client", sess.ID)
		}
		return nil
	case packets.Disconnect:
		s.OnDisconnect(sess, cl)
		return packets.CodeDisconnect
	default:
		return fmt.Errorf("%w: %d", packets.ErrProtocolViolationUnknownPacket, pk.FixedHeader.Type)
	}
}

// Close attempts to gracefully shut down the server, all listeners, clients, and stores.
func (s *Server) Close() error {
	close(s.done)
	s.Log.Info("gracefully stopping server")
	s.Listeners.CloseAll(s.closeListenerClients)
	s.hooks.OnStopped()
	s.hooks.Stop()

	s.Log.Info("tide mqtt server stopped")
	return nil
}

// closeListenerClients closes all clients on the specified listener.
func (s *Server) closeListenerClients(listener string) {
	clients := s.Clients.GetByListener(listener)
	for _, cl := range clients {
		cl.Close(packets.ErrServerShuttingDown)
	}
}

// readStore reads in any data from the persistent datastore (if applicable).
func (s *Server) readStore() error {
	if s.hooks.Provides(StoredRetainedMessages) {
		retained, err := s.hooks.StoredRetainedMessages()
		if err != nil {
			return fmt.Errorf("failed to load retained messages; %w", err)
		}
		s.loadRetained(retained)
		s.Log.Debug("loaded retained messages from store", "len", len(retained))
	}

	if s.hooks.Provides(StoredSessions) {
		sessions, err := s.hooks.StoredSessions()
		if err != nil {
			return fmt.Errorf("failed to load sessions; %w", err)
		}
		s.loadSessions(sessions)
		s.Log.Debug("loaded sessions from store", "len", len(sessions))
	}

	if s.hooks.Provides(StoredSubscriptions) {
		subs, err := s.hooks.StoredSubscriptions()
		if err != nil {
			return fmt.Errorf("load subscriptions; %w", err)
		}
		s.loadSubscriptions(subs)
		s.Log.Debug("loaded subscriptions from store", "len", len(subs))
	}

	// Queues are restored before inflight windows, as messages which no longer fit
	// a window are appended to the queue and recorded with a new sequence.
	if s.hooks.Provides(StoredQueuedMessages) {
		queued, err := s.hooks.StoredQueuedMessages()
		if err != nil {
			return fmt.Errorf("load queued; %w", err)
		}
		s.loadQueued(queued)
		s.Log.Debug("loaded queued messages from store", "len", len(queued))
	}

	if s.hooks.Provides(StoredInflightMessages) {
		inflight, err := s.hooks.StoredInflightMessages()
		if err != nil {
			return fmt.Errorf("load inflight; %w", err)
		}
		s.loadInflight(inflight)
		s.Log.Debug("loaded inflights from store", "len", len(inflight))
	}

	return nil
}

// loadRetained restores retained messages from the datastore.
func (s *Server) loadRetained(v []storage.Message) {
	for _, msg := range v {
		s.Retained.Store(RetainedMessage{
			Topic:   msg.Topic,
			Payload: msg.Payload,
			Qos:     msg.Qos,
			Created: msg.Created,
		})
	}
}

// loadSessions restores persistent sessions from the datastore, in a disconnected state.
func (s *Server) loadSessions(v []storage.Session) {
	for _, d := range v {
		if d.Clean {
			continue
		}

		var will *Will
		if d.Will != nil {
			will = &Will{
				Topic:   d.Will.Topic,
				Payload: d.Will.Payload,
				Qos:     d.Will.Qos,
				Retain:  d.Will.Retain,
			}
		}

		s.Sessions.Restore(d.ID, d.Clean, will, d.Username)
	}
}

// loadSubscriptions restores subscriptions from the datastore.
func (s *Server) loadSubscriptions(v []storage.Subscription) {
	for _, sub := range v {
		sess, ok := s.Sessions.Get(sub.Client)
		if !ok {
			continue
		}

		ps := packets.Subscription{
			Filter: sub.Filter,
			Qos:    sub.Qos,
		}

		s.Topics.Subscribe(sess.ID, ps)
		sess.Subscriptions.Add(ps.Filter, ps)
	}
}

// loadInflight restores inflight messages from the datastore, in the order they were
// sent.
func (s *Server) loadInflight(v []storage.Message) {
	sort.Slice(v, func(i, j int) bool {
		if v[i].Sent == v[j].Sent {
			return v[i].PacketID < v[j].PacketID
		}
		return v[i].Sent < v[j].Sent
	})

	for _, msg := range v {
		if sess, ok := s.Sessions.Get(msg.Client); ok {
			sess.restoreInflight(enqueuedFromStorage(msg))
		}
	}
}

// loadQueued restores session queues from the datastore, in queue order.
func (s *Server) loadQueued(v []storage.Message) {
	sort.Slice(v, func(i, j int) bool {
		return v[i].Seq < v[j].Seq
	})

	for _, msg := range v {
		if sess, ok := s.Sessions.Get(msg.Client); ok {
			sess.restoreQueued(enqueuedFromStorage(msg))
		}
	}
}

// enqueuedFromStorage converts a stored message into an EnqueuedMessage.
func enqueuedFromStorage(msg storage.Message) EnqueuedMessage {
	return EnqueuedMessage{
		Kind:     MessageKind(msg.Kind),
		Topic:    msg.Topic,
		Payload:  msg.Payload,
		Created:  msg.Created,
		Sent:     msg.Sent,
		Seq:      msg.Seq,
		Resends:  msg.Resends,
		PacketID: msg.PacketID,
		Qos:      msg.Qos,
		Retain:   msg.Retain,
	}
}
