package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis keys. Requests are LPUSHed onto one queue and BRPOPed by servers;
// each reply goes to a list named after the request.
const (
	DefaultRequestQueue = "vgraph:rebase:requests"
	replyKeyPrefix      = "vgraph:rebase:reply:"
	replyTTL            = 10 * time.Minute
	pollTimeout         = time.Second
)

func replyKey(requestID string) string {
	return replyKeyPrefix + requestID
}

// RedisClient sends requests through a Redis list.
type RedisClient struct {
	client *redis.Client
	queue  string
}

// NewRedisClient returns a client pushing onto queue (DefaultRequestQueue
// when empty).
func NewRedisClient(client *redis.Client, queue string) *RedisClient {
	if queue == "" {
		queue = DefaultRequestQueue
	}
	return &RedisClient{client: client, queue: queue}
}

func (c *RedisClient) Send(ctx context.Context, req Request) (*Pending, error) {
	ensureID(&req)
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding rebase request: %w", err)
	}
	if err := c.client.LPush(ctx, c.queue, payload).Err(); err != nil {
		return nil, fmt.Errorf("enqueueing rebase request: %w", err)
	}

	key := replyKey(req.ID)
	var (
		mu  sync.Mutex
		got *Reply
	)
	return &Pending{
		requestID: req.ID,
		wait: func(ctx context.Context) (Reply, error) {
			mu.Lock()
			defer mu.Unlock()
			if got != nil {
				return *got, nil
			}
			for {
				if err := ctx.Err(); err != nil {
					return Reply{}, err
				}
				res, err := c.client.BRPop(ctx, pollTimeout, key).Result()
				if errors.Is(err, redis.Nil) {
					continue
				}
				if err != nil {
					if ctx.Err() != nil {
						return Reply{}, ctx.Err()
					}
					return Reply{}, fmt.Errorf("waiting for rebase reply: %w", err)
				}
				// BRPOP returns [key, value]
				var r Reply
				if err := json.Unmarshal([]byte(res[1]), &r); err != nil {
					return Reply{}, fmt.Errorf("decoding rebase reply: %w", err)
				}
				got = &r
				return r, nil
			}
		},
	}, nil
}

// RedisServer pops requests from a Redis list and hands them to a Handler.
type RedisServer struct {
	client  *redis.Client
	queue   string
	handler Handler
	log     *zap.SugaredLogger

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewRedisServer returns a server for queue (DefaultRequestQueue when empty).
func NewRedisServer(client *redis.Client, queue string, h Handler, log *zap.SugaredLogger) *RedisServer {
	if queue == "" {
		queue = DefaultRequestQueue
	}
	return &RedisServer{
		client:  client,
		queue:   queue,
		handler: h,
		log:     log,
		stop:    make(chan struct{}),
	}
}

// Start begins consuming requests in the background.
func (s *RedisServer) Start() {
	s.wg.Add(1)
	go s.loop()
	s.log.Infow("rebase request consumer started", "queue", s.queue)
}

// Stop stops consuming and waits for in-flight requests to finish.
func (s *RedisServer) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.log.Info("rebase request consumer stopped")
}

func (s *RedisServer) loop() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		res, err := s.client.BRPop(ctx, pollTimeout, s.queue).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warnw("reading rebase queue failed", "error", err)
			select {
			case <-time.After(pollTimeout):
			case <-s.stop:
				return
			}
			continue
		}

		var req Request
		if err := json.Unmarshal([]byte(res[1]), &req); err != nil {
			s.log.Warnw("dropping malformed rebase request", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(req)
		}()
	}
}

func (s *RedisServer) serve(req Request) {
	ctx := context.Background()
	reply := s.handler.Handle(ctx, req)
	reply.RequestID = req.ID

	payload, err := json.Marshal(reply)
	if err != nil {
		s.log.Errorw("encoding rebase reply failed", "request", req.ID, "error", err)
		return
	}
	key := replyKey(req.ID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.Expire(ctx, key, replyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Errorw("sending rebase reply failed", "request", req.ID, "error", err)
	}
}
