package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/campuskit/livequery/cache"
	"github.com/campuskit/livequery/types"
)

// RedisConfig configures a RedisNotifier.
type RedisConfig struct {
	// Addr is the Redis server address (e.g., "localhost:6379").
	Addr string

	// Password is the optional Redis password.
	Password string

	// DB is the Redis database number.
	DB int

	// Channel is the pub/sub channel carrying change events.
	Channel string

	// ClientID identifies this client as the sender of published events.
	ClientID string

	// IgnoreSelf drops events this client published itself. Off by
	// default: the backend echoing your own write is a legitimate
	// invalidation trigger.
	IgnoreSelf bool

	// Marshaller encodes and decodes events on the wire.
	// If nil, defaults to JSON marshaller.
	Marshaller cache.Marshaller
}

// RedisNotifier delivers change events over Redis Pub/Sub.
type RedisNotifier struct {
	client     *redis.Client
	channel    string
	clientID   string
	ignoreSelf bool
	marshaller cache.Marshaller
	pubsub     *redis.PubSub
	mu         sync.RWMutex
	handlers   map[int]Handler
	nextID     int
	done       chan struct{}
	wg         sync.WaitGroup
}

// NewRedisNotifier connects to Redis and creates a notifier. The
// connection is verified with a ping before returning.
func NewRedisNotifier(cfg RedisConfig) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisConnection, err)
	}

	marshaller := cfg.Marshaller
	if marshaller == nil {
		marshaller = cache.NewJSONMarshaller()
	}

	return &RedisNotifier{
		client:     client,
		channel:    cfg.Channel,
		clientID:   cfg.ClientID,
		ignoreSelf: cfg.IgnoreSelf,
		marshaller: marshaller,
		handlers:   make(map[int]Handler),
		done:       make(chan struct{}),
	}, nil
}

// Subscribe starts listening for change events. The subscription is
// confirmed with the server before the listen loop starts.
func (rn *RedisNotifier) Subscribe(ctx context.Context) error {
	rn.pubsub = rn.client.Subscribe(ctx, rn.channel)
	if _, err := rn.pubsub.Receive(ctx); err != nil {
		rn.pubsub.Close()
		rn.pubsub = nil
		return err
	}

	rn.wg.Add(1)
	go rn.listen()

	return nil
}

// Publish publishes a change event. The sender and event ID are filled
// in when absent.
func (rn *RedisNotifier) Publish(ctx context.Context, event types.ChangeEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Sender == "" {
		event.Sender = rn.clientID
	}

	data, err := rn.marshaller.Marshal(event)
	if err != nil {
		return err
	}
	return rn.client.Publish(ctx, rn.channel, string(data)).Err()
}

// OnEvent registers a handler and returns its unsubscribe func.
func (rn *RedisNotifier) OnEvent(handler Handler) func() {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	rn.nextID++
	id := rn.nextID
	rn.handlers[id] = handler
	return func() {
		rn.mu.Lock()
		defer rn.mu.Unlock()
		delete(rn.handlers, id)
	}
}

// Close closes the notifier and the underlying Redis connection.
func (rn *RedisNotifier) Close() error {
	close(rn.done)
	rn.wg.Wait()

	if rn.pubsub != nil {
		if err := rn.pubsub.Close(); err != nil {
			rn.client.Close()
			return err
		}
	}
	return rn.client.Close()
}

// listen consumes pub/sub messages until Close.
func (rn *RedisNotifier) listen() {
	defer rn.wg.Done()

	if rn.pubsub == nil {
		return
	}

	ch := rn.pubsub.Channel()

	for {
		select {
		case <-rn.done:
			return
		case msg := <-ch:
			if msg == nil {
				return
			}

			var event types.ChangeEvent
			if err := rn.marshaller.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}

			if rn.ignoreSelf && event.Sender == rn.clientID {
				continue
			}

			rn.mu.RLock()
			handlers := make([]Handler, 0, len(rn.handlers))
			for _, h := range rn.handlers {
				handlers = append(handlers, h)
			}
			rn.mu.RUnlock()

			for _, h := range handlers {
				h(event)
			}
		}
	}
}
