package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"arhat.dev/pkg/log"
	"github.com/go-redis/redis/v8"

	"github.com/iobroker-k8s/k8s-controller/pkg/iobroker"
)

func init() {
	RegisterStore(MethodRedis, NewRedisStore)
}

const (
	MethodRedis = "redis"
)

// key and channel layout of the ioBroker redis dbs
const (
	redisObjectPrefix     = "cfg.o."
	redisStatePrefix      = "io."
	redisMessageboxPrefix = "messagebox."
)

type RedisConfig struct {
	iobroker.RedisSpec `yaml:",inline"`

	DialTimeout time.Duration `json:"dialTimeout" yaml:"dialTimeout"`
}

func NewRedisStore(ctx context.Context, logger log.Interface, config *Config) (Interface, error) {
	if config.Hostname == "" {
		return nil, fmt.Errorf("hostname must be set")
	}

	if config.Redis.Host == "" {
		return nil, fmt.Errorf("redis host must be set")
	}

	client := redis.NewClient(&redis.Options{
		Addr:        config.Redis.Addr(),
		Password:    config.Redis.Password,
		DB:          config.Redis.DB,
		DialTimeout: config.Redis.DialTimeout,
	})

	return &RedisStore{
		ctx:    ctx,
		log:    logger,
		client: client,

		from:       iobroker.HostObjectID(config.Hostname),
		messagebox: redisMessageboxPrefix + iobroker.HostObjectID(config.Hostname),

		objCh: make(chan *iobroker.ObjectChange, 16),
		msgCh: make(chan *iobroker.Message, 16),
	}, nil
}

// RedisStore talks to the objects and states db the same way js-controller does
type RedisStore struct {
	ctx    context.Context
	log    log.Interface
	client *redis.Client
	pubsub *redis.PubSub

	from       string
	messagebox string
	msgID      int64

	objCh chan *iobroker.ObjectChange
	msgCh chan *iobroker.Message
}

func (s *RedisStore) Start(stop <-chan struct{}) (err error) {
	if err = s.client.Ping(s.ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	pattern := redisObjectPrefix + adapterObjectPrefix + "*"
	s.pubsub = s.client.PSubscribe(s.ctx, pattern)
	defer func() {
		if err != nil {
			_ = s.pubsub.Close()
		}
	}()

	if err = s.pubsub.Subscribe(s.ctx, s.messagebox); err != nil {
		return fmt.Errorf("failed to subscribe messagebox: %w", err)
	}

	// wait until both subscriptions are confirmed
	for pending := 2; pending > 0; {
		var msg interface{}
		msg, err = s.pubsub.Receive(s.ctx)
		if err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			s.log.D("subscribed", log.String("kind", m.Kind), log.String("channel", m.Channel))
			pending--
		case *redis.Message:
			s.handleMessage(stop, m)
		}
	}

	go s.consume(stop)

	return nil
}

func (s *RedisStore) ObjectChanges() <-chan *iobroker.ObjectChange {
	return s.objCh
}

func (s *RedisStore) Messages() <-chan *iobroker.Message {
	return s.msgCh
}

func (s *RedisStore) SetState(ctx context.Context, id string, state *iobroker.State) error {
	st := *state
	if st.Ts == 0 {
		st.Ts = time.Now().UnixNano() / int64(time.Millisecond)
	}

	data, err := json.Marshal(&st)
	if err != nil {
		return fmt.Errorf("failed to marshal state %q: %w", id, err)
	}

	key := redisStatePrefix + id
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		pipe.Publish(ctx, key, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set state %q: %w", id, err)
	}

	return nil
}

func (s *RedisStore) SendTo(ctx context.Context, target, command string, message interface{}) error {
	data, err := encodeMessage(s.from, atomic.AddInt64(&s.msgID, 1), command, message)
	if err != nil {
		return err
	}

	if err = s.client.Publish(ctx, redisMessageboxPrefix+target, data).Err(); err != nil {
		return fmt.Errorf("failed to send %q to %q: %w", command, target, err)
	}

	return nil
}

func (s *RedisStore) Stop() error {
	var err error
	if s.pubsub != nil {
		err = s.pubsub.Close()
	}

	if cErr := s.client.Close(); cErr != nil && err == nil {
		err = cErr
	}

	return err
}

func (s *RedisStore) consume(stop <-chan struct{}) {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-stop:
			return
		case m, more := <-ch:
			if !more {
				s.log.I("redis subscription closed")
				return
			}

			s.handleMessage(stop, m)
		}
	}
}

func (s *RedisStore) handleMessage(stop <-chan struct{}, m *redis.Message) {
	s.log.V("received message", log.String("channel", m.Channel))

	switch {
	case m.Channel == s.messagebox:
		msg := new(iobroker.Message)
		if err := json.Unmarshal([]byte(m.Payload), msg); err != nil {
			s.log.I("message ignored", log.String("channel", m.Channel), log.Error(err))
			return
		}

		select {
		case <-stop:
		case s.msgCh <- msg:
		}
	case strings.HasPrefix(m.Channel, redisObjectPrefix):
		id := strings.TrimPrefix(m.Channel, redisObjectPrefix)
		if !isInstanceObject(id) {
			return
		}

		change, err := decodeObject(id, []byte(m.Payload))
		if err != nil {
			s.log.I("object change ignored", log.String("id", id), log.Error(err))
			return
		}

		select {
		case <-stop:
		case s.objCh <- change:
		}
	default:
		s.log.D("message ignored", log.String("channel", m.Channel))
	}
}

func encodeMessage(from string, id int64, command string, message interface{}) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %q message: %w", command, err)
	}

	data, err := json.Marshal(&iobroker.Message{
		Command: command,
		Message: payload,
		From:    from,
		ID:      id,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %q message: %w", command, err)
	}

	return data, nil
}
