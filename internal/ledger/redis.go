package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"candlebot/internal/model"
)

// RedisConfig configures the Redis mirror.
type RedisConfig struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// RedisMirror keeps a copy of the ledger in Redis for dashboards and other
// processes, and publishes every saved operation on pub:op:<instance>.
//
// Keys:
//
//	op:<id>              operation JSON
//	ops:<instance>       sorted set of ids by entry time
//	ops:open:<instance>  id of the open operation
//
// Writes go through a circuit breaker. While it is open, saves are buffered
// (latest version per operation) and flushed when it closes again.
type RedisMirror struct {
	client *goredis.Client
	cb     *CircuitBreaker

	mu      sync.Mutex
	pending map[string]model.Operation
	order   []string
	maxBuf  int

	// Callbacks
	OnBuffer func()          // a save was buffered
	OnFlush  func(count int) // buffered saves were written
}

// NewRedisMirror connects and pings the server.
func NewRedisMirror(cfg RedisConfig, cb *CircuitBreaker) (*RedisMirror, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] ledger mirror connected to %s", cfg.Addr)
	return newRedisMirror(client, cb), nil
}

func newRedisMirror(client *goredis.Client, cb *CircuitBreaker) *RedisMirror {
	if cb == nil {
		cb = NewCircuitBreaker(5, 10*time.Second)
	}
	m := &RedisMirror{
		client:  client,
		cb:      cb,
		pending: make(map[string]model.Operation),
		maxBuf:  1000,
	}
	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to BreakerState) {
		if prev != nil {
			prev(from, to)
		}
		if to == BreakerClosed {
			go m.flush()
		}
	}
	return m
}

// Breaker exposes the circuit breaker for metrics.
func (m *RedisMirror) Breaker() *CircuitBreaker { return m.cb }

// Save writes op through the breaker. A failed write is buffered and retried
// on the next flush; while the breaker is open the save is only buffered and
// reports success.
func (m *RedisMirror) Save(ctx context.Context, op *model.Operation) error {
	err := m.cb.Execute(func() error { return m.write(ctx, op) })
	switch {
	case err == nil:
		if m.forget(op.ID) > 0 {
			go m.flush()
		}
		return nil
	case errors.Is(err, ErrCircuitOpen):
		m.buffer(*op)
		return nil
	default:
		m.buffer(*op)
		return err
	}
}

func (m *RedisMirror) write(ctx context.Context, op *model.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("redis mirror marshal: %w", err)
	}
	openKey := "ops:open:" + op.InstanceID

	_, err = m.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, "op:"+op.ID, data, 0)
		pipe.ZAdd(ctx, "ops:"+op.InstanceID, &goredis.Z{
			Score:  float64(op.EntryTime.UnixMilli()),
			Member: op.ID,
		})
		if op.IsOpen() {
			pipe.Set(ctx, openKey, op.ID, 0)
		} else {
			pipe.Del(ctx, openKey)
		}
		pipe.Publish(ctx, "pub:op:"+op.InstanceID, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis mirror save %s: %w", op.ID, err)
	}
	return nil
}

// FindOpen reads the open pointer and its operation.
func (m *RedisMirror) FindOpen(ctx context.Context, instanceID string) (*model.Operation, error) {
	var op *model.Operation
	err := m.cb.Execute(func() error {
		id, err := m.client.Get(ctx, "ops:open:"+instanceID).Result()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := m.client.Get(ctx, "op:"+id).Bytes()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var o model.Operation
		if err := json.Unmarshal(raw, &o); err != nil {
			return fmt.Errorf("redis mirror decode %s: %w", id, err)
		}
		if o.IsOpen() {
			op = &o
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis mirror find open: %w", err)
	}
	return op, nil
}

// ListClosed returns the closed operations of the instance by exit time.
func (m *RedisMirror) ListClosed(ctx context.Context, instanceID string) ([]model.Operation, error) {
	var ops []model.Operation
	err := m.cb.Execute(func() error {
		ids, err := m.client.ZRange(ctx, "ops:"+instanceID, 0, -1).Result()
		if err != nil || len(ids) == 0 {
			return err
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = "op:" + id
		}
		vals, err := m.client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for _, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			var o model.Operation
			if err := json.Unmarshal([]byte(s), &o); err != nil {
				log.Printf("[redis] skipping undecodable operation: %v", err)
				continue
			}
			if !o.IsOpen() {
				ops = append(ops, o)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis mirror list closed: %w", err)
	}
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].ExitTime.Before(ops[j].ExitTime) })
	return ops, nil
}

// Ping checks connectivity for health reporting.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Pending returns the number of buffered saves.
func (m *RedisMirror) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// Close releases the client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func (m *RedisMirror) buffer(op model.Operation) {
	m.mu.Lock()
	if _, ok := m.pending[op.ID]; !ok {
		if len(m.order) >= m.maxBuf {
			oldest := m.order[0]
			m.order = m.order[1:]
			delete(m.pending, oldest)
			log.Printf("[redis] mirror buffer full, dropped operation %s", oldest)
		}
		m.order = append(m.order, op.ID)
	}
	m.pending[op.ID] = op
	m.mu.Unlock()

	if m.OnBuffer != nil {
		m.OnBuffer()
	}
}

// forget drops a buffered version of id that a newer write superseded and
// returns how many saves are still pending.
func (m *RedisMirror) forget(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[id]; ok {
		delete(m.pending, id)
		for i, o := range m.order {
			if o == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	return len(m.order)
}

func (m *RedisMirror) flush() {
	m.mu.Lock()
	ops := make([]model.Operation, 0, len(m.order))
	for _, id := range m.order {
		ops = append(ops, m.pending[id])
	}
	m.pending = make(map[string]model.Operation)
	m.order = nil
	m.mu.Unlock()

	if len(ops) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	written := 0
	for i := range ops {
		if err := m.write(ctx, &ops[i]); err != nil {
			log.Printf("[redis] flush of %s failed, re-buffering: %v", ops[i].ID, err)
			m.buffer(ops[i])
			continue
		}
		written++
	}
	log.Printf("[redis] flushed %d buffered operations", written)
	if m.OnFlush != nil {
		m.OnFlush(written)
	}
}
