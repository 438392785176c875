package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"arhat.dev/pkg/log"
	"arhat.dev/pkg/tlshelper"
	"github.com/goiiot/libmqtt"

	"github.com/iobroker-k8s/k8s-controller/pkg/constant"
	"github.com/iobroker-k8s/k8s-controller/pkg/iobroker"
)

func init() {
	RegisterStore(MethodMQTT, NewMQTTStore)
}

const (
	MethodMQTT = "mqtt"
)

type MQTTConfig struct {
	Broker            string        `json:"broker" yaml:"broker"`
	Transport         string        `json:"transport" yaml:"transport"`
	Username          string        `json:"username" yaml:"username"`
	Password          string        `json:"password" yaml:"password"`
	ClientID          string        `json:"clientID" yaml:"clientID"`
	Version           string        `json:"version" yaml:"version"`
	KeepaliveInterval time.Duration `json:"keepaliveInterval" yaml:"keepaliveInterval"`

	TLS tlshelper.TLSConfig `json:"tls" yaml:"tls"`

	// TopicPrefix all ioBroker topics are rooted at
	TopicPrefix string `json:"topicPrefix" yaml:"topicPrefix"`

	// QoS used for subscriptions and publishing
	QoS int `json:"qos" yaml:"qos"`
}

// mqttTopics maps ioBroker ids to topics below a prefix, dots become slashes
type mqttTopics struct {
	prefix string
}

func (t mqttTopics) fromID(id string) string {
	return t.prefix + "/" + strings.ReplaceAll(id, ".", "/")
}

func (t mqttTopics) objects() string {
	return t.prefix + "/objects/" + strings.ReplaceAll(adapterObjectPrefix, ".", "/") + "+/+"
}

func (t mqttTopics) objectID(topic string) (string, bool) {
	p := t.prefix + "/objects/"
	if !strings.HasPrefix(topic, p) {
		return "", false
	}

	return strings.ReplaceAll(strings.TrimPrefix(topic, p), "/", "."), true
}

func (t mqttTopics) messagebox(target string) string {
	return t.fromID("messagebox." + target)
}

func (t mqttTopics) state(id string) string {
	return t.fromID(id) + "/set"
}

func NewMQTTStore(ctx context.Context, logger log.Interface, config *Config) (Interface, error) {
	if config.Hostname == "" {
		return nil, fmt.Errorf("hostname must be set")
	}

	mc := &config.MQTT
	if mc.QoS > 2 || mc.QoS < 0 {
		return nil, fmt.Errorf("invalid qos level %d", mc.QoS)
	}

	options := []libmqtt.Option{
		libmqtt.WithBackoffStrategy(time.Second, 10*time.Second, 1.5),
	}

	switch mc.Version {
	case "5":
		options = append(options, libmqtt.WithVersion(libmqtt.V5, false))
	case "3.1.1":
		fallthrough
	default:
		options = append(options, libmqtt.WithVersion(libmqtt.V311, false))
	}

	switch mc.Transport {
	case "websocket":
		options = append(options, libmqtt.WithWebSocketConnector(0, nil))
	case "tcp":
		fallthrough
	default:
		options = append(options, libmqtt.WithTCPConnector(0))
	}

	keepalive := mc.KeepaliveInterval
	if keepalive == 0 {
		// default to 60s
		keepalive = 60 * time.Second
	}
	keepaliveSeconds := uint16(keepalive / time.Second)

	clientID := mc.ClientID
	if clientID == "" {
		clientID = "iobroker-k8s-controller-" + config.Hostname
	}

	options = append(options, libmqtt.WithConnPacket(libmqtt.ConnPacket{
		CleanSession: true,
		Username:     mc.Username,
		Password:     mc.Password,
		ClientID:     clientID,
		Keepalive:    keepaliveSeconds,
	}))
	options = append(options, libmqtt.WithKeepalive(keepaliveSeconds, 1.2))

	if mc.TLS.Enabled {
		tlsConfig, err := mc.TLS.GetTLSConfig(false)
		if err != nil {
			return nil, fmt.Errorf("failed to load tls config: %w", err)
		}
		options = append(options, libmqtt.WithCustomTLS(tlsConfig))
	}

	client, err := libmqtt.NewClient(options...)
	if err != nil {
		return nil, err
	}

	prefix := strings.TrimSuffix(mc.TopicPrefix, "/")
	if prefix == "" {
		prefix = constant.DefaultMQTTTopicPrefix
	}

	topics := mqttTopics{prefix: prefix}
	qos := libmqtt.QosLevel(mc.QoS)
	hostID := iobroker.HostObjectID(config.Hostname)

	return &MQTTStore{
		log:    logger,
		broker: mc.Broker,
		client: client,
		qos:    qos,
		from:   hostID,

		topics: topics,
		subs: []*libmqtt.Topic{
			{Name: topics.objects(), Qos: qos},
			{Name: topics.messagebox(hostID), Qos: qos},
		},

		objCh: make(chan *iobroker.ObjectChange, 16),
		msgCh: make(chan *iobroker.Message, 16),

		connErrCh: make(chan error),
		subErrCh:  make(chan error, 1),
	}, nil
}

var errAlreadySubscribing = fmt.Errorf("already subscribing")

// MQTTStore reaches the ioBroker dbs through an mqtt broker bridged to them
type MQTTStore struct {
	log    log.Interface
	broker string
	client libmqtt.Client
	qos    libmqtt.QosLevel
	from   string
	msgID  int64

	topics mqttTopics
	subs   []*libmqtt.Topic

	objCh chan *iobroker.ObjectChange
	msgCh chan *iobroker.Message

	subscribing int32
	started     int32

	stopSig   <-chan struct{}
	connErrCh chan error
	subErrCh  chan error
}

// Start connects to the broker and subscribes to object and messagebox topics
func (c *MQTTStore) Start(stop <-chan struct{}) (err error) {
	c.stopSig = stop

	err = c.client.ConnectServer(c.broker,
		libmqtt.WithRouter(libmqtt.NewStandardRouter()),
		libmqtt.WithAutoReconnect(true),
		libmqtt.WithConnHandleFunc(c.handleConn),
		libmqtt.WithSubHandleFunc(c.handleSub),
		libmqtt.WithNetHandleFunc(c.handleNet),
	)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			_ = c.Stop()
		}
	}()

	select {
	case <-c.stopSig:
		return context.Canceled
	case err, more := <-c.connErrCh:
		if !more {
			return c.subscribe()
		}

		if err != nil {
			return err
		}
	}

	return c.subscribe()
}

func (c *MQTTStore) ObjectChanges() <-chan *iobroker.ObjectChange {
	return c.objCh
}

func (c *MQTTStore) Messages() <-chan *iobroker.Message {
	return c.msgCh
}

func (c *MQTTStore) SetState(ctx context.Context, id string, state *iobroker.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state %q: %w", id, err)
	}

	c.publish(c.topics.state(id), data)
	return nil
}

func (c *MQTTStore) SendTo(ctx context.Context, target, command string, message interface{}) error {
	data, err := encodeMessage(c.from, atomic.AddInt64(&c.msgID, 1), command, message)
	if err != nil {
		return err
	}

	c.publish(c.topics.messagebox(target), data)
	return nil
}

// Stop mqtt client
func (c *MQTTStore) Stop() error {
	c.client.Destroy(false)
	return nil
}

func (c *MQTTStore) publish(topic string, data []byte) {
	c.log.V("publishing", log.String("topic", topic))
	c.client.Publish(&libmqtt.PublishPacket{
		TopicName: topic,
		Qos:       c.qos,
		Payload:   data,
	})
}

func (c *MQTTStore) handleObjectMsg(client libmqtt.Client, topic string, qos libmqtt.QosLevel, msgBytes []byte) {
	c.log.V("received object message", log.String("topic", topic))

	id, ok := c.topics.objectID(topic)
	if !ok || !isInstanceObject(id) {
		c.log.D("message ignored", log.String("topic", topic))
		return
	}

	change, err := decodeObject(id, msgBytes)
	if err != nil {
		c.log.I("object change ignored", log.String("topic", topic), log.Error(err))
		return
	}

	select {
	case <-c.stopSig:
	case c.objCh <- change:
	}
}

func (c *MQTTStore) handleMessageboxMsg(client libmqtt.Client, topic string, qos libmqtt.QosLevel, msgBytes []byte) {
	c.log.V("received messagebox message", log.String("topic", topic))

	msg := new(iobroker.Message)
	if err := json.Unmarshal(msgBytes, msg); err != nil {
		c.log.I("message ignored", log.String("topic", topic), log.Error(err))
		return
	}

	select {
	case <-c.stopSig:
	case c.msgCh <- msg:
	}
}

// subscribe to mqtt topics
func (c *MQTTStore) subscribe() error {
	c.log.V("subscribing to topics")
	if !atomic.CompareAndSwapInt32(&c.subscribing, 0, 1) {
		return errAlreadySubscribing
	}

	defer func() {
		atomic.StoreInt32(&c.subscribing, 0)
		atomic.StoreInt32(&c.started, 1)
	}()

	// drop a result left over from an earlier subscription
	select {
	case <-c.subErrCh:
	default:
	}

	c.client.HandleTopic(c.subs[0].Name, c.handleObjectMsg)
	c.client.HandleTopic(c.subs[1].Name, c.handleMessageboxMsg)

	c.client.Subscribe(c.subs...)

	select {
	case <-c.stopSig:
		return context.Canceled
	case err := <-c.subErrCh:
		if err != nil {
			return fmt.Errorf("failed to subscribe topics: %w", err)
		}
	}

	return nil
}

func (c *MQTTStore) handleNet(client libmqtt.Client, server string, err error) {
	if err != nil {
		if atomic.LoadInt32(&c.subscribing) == 1 && atomic.LoadInt32(&c.started) == 0 {
			c.subscribeDone(err)
			return
		}

		if atomic.CompareAndSwapInt32(&c.started, 0, 1) {
			select {
			case <-c.stopSig:
				return
			case c.connErrCh <- err:
				close(c.connErrCh)
				return
			}
		}

		c.log.I("network error happened", log.String("server", server), log.Error(err))
	}
}

func (c *MQTTStore) handleConn(client libmqtt.Client, server string, code byte, err error) {
	switch {
	case err != nil:
		if atomic.CompareAndSwapInt32(&c.started, 0, 1) {
			select {
			case <-c.stopSig:
				return
			case c.connErrCh <- err:
				close(c.connErrCh)
				return
			}
		}

		c.log.I("failed to connect to broker", log.Uint8("code", code), log.Error(err))
	case code != libmqtt.CodeSuccess:
		if atomic.CompareAndSwapInt32(&c.started, 0, 1) {
			select {
			case <-c.stopSig:
				return
			case c.connErrCh <- fmt.Errorf("rejected by mqtt broker, code: %d", code):
				close(c.connErrCh)
				return
			}
		}

		c.log.I("reconnect rejected by broker", log.Uint8("code", code))
	case atomic.LoadInt32(&c.started) == 0:
		// initial connection succeeded
		close(c.connErrCh)
	default:
		// reconnected, the clean session lost all subscriptions
		for {
			err := c.subscribe()
			if err == nil {
				c.log.V("resubscribed to topics after connection lost")
				return
			}

			if err == errAlreadySubscribing {
				return
			}

			c.log.I("failed to resubscribe to topics after reconnection", log.Error(err))
			time.Sleep(5 * time.Second)
		}
	}
}

func (c *MQTTStore) handleSub(client libmqtt.Client, topics []*libmqtt.Topic, err error) {
	if err != nil {
		c.log.I("failed to subscribe", log.Error(err), log.Any("topics", topics))
	} else {
		c.log.D("subscribe succeeded", log.Any("topics", topics))
	}

	if atomic.LoadInt32(&c.subscribing) == 1 {
		c.subscribeDone(err)
	}
}

// subscribeDone reports the result to a pending subscribe call, it never
// blocks the callback and only the first result is kept
func (c *MQTTStore) subscribeDone(err error) {
	select {
	case c.subErrCh <- err:
	default:
	}
}
