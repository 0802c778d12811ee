// Package relay floods received records to the gateway's other neighbors.
// Each record is forwarded at most once per node: a digest of the record is
// remembered in a bounded LRU and repeats are dropped.
package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"relaygw/pkg/event"
	"relaygw/pkg/gateway"
	"relaygw/pkg/neighbor"
	"relaygw/pkg/packer"
)

// Gateway is the part of *gateway.Gateway the relay uses.
type Gateway interface {
	Neighbors() []neighbor.Neighbor
	Send(ctx context.Context, d packer.Data, address string) error
	SubscribeReceive(fn func(gateway.Receive)) event.Subscription
}

type Options struct {
	// DedupSize is the number of digests remembered.
	DedupSize int
	// Queue bounds records waiting to be forwarded; overflow is dropped.
	Queue       int
	SendTimeout time.Duration
	// OnForward is called after each successful send.
	OnForward func(address string)
	// OnDuplicate is called for each record dropped as already seen.
	OnDuplicate func()
}

type Relay struct {
	gw   Gateway
	opts Options
	seen *lru.Cache[[blake2b.Size256]byte, struct{}]

	forwarded  atomic.Uint64
	duplicates atomic.Uint64
	dropped    atomic.Uint64

	mu    sync.Mutex
	sub   event.Subscription
	queue chan gateway.Receive
	done  chan struct{}
	wg    sync.WaitGroup
}

func New(gw Gateway, opts Options) (*Relay, error) {
	if opts.DedupSize <= 0 {
		opts.DedupSize = 4096
	}
	if opts.Queue <= 0 {
		opts.Queue = 1024
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	seen, err := lru.New[[blake2b.Size256]byte, struct{}](opts.DedupSize)
	if err != nil {
		return nil, err
	}
	return &Relay{gw: gw, opts: opts, seen: seen}, nil
}

// Digest identifies a record for deduplication.
func Digest(d packer.Data) [blake2b.Size256]byte {
	h, _ := blake2b.New256(nil)
	h.Write(d.Transaction.Bytes())
	h.Write(d.RequestHash.Bytes())
	var out [blake2b.Size256]byte
	h.Sum(out[:0])
	return out
}

// Start subscribes to the gateway and starts the forwarding worker. Calling
// it on a started relay does nothing.
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return
	}
	r.queue = make(chan gateway.Receive, r.opts.Queue)
	r.done = make(chan struct{})
	r.wg.Add(1)
	go r.worker(r.queue, r.done)
	queue := r.queue
	r.sub = r.gw.SubscribeReceive(func(rcv gateway.Receive) { r.accept(queue, rcv) })
	zap.L().Info("relay started", zap.Int("dedup_size", r.opts.DedupSize))
}

// Stop unsubscribes and waits for the worker. Queued records are discarded.
func (r *Relay) Stop() {
	r.mu.Lock()
	sub, done := r.sub, r.done
	r.sub, r.done = nil, nil
	r.mu.Unlock()
	if sub == nil {
		return
	}
	sub.Unsubscribe()
	close(done)
	r.wg.Wait()
	zap.L().Info("relay stopped", zap.Uint64("forwarded", r.Forwarded()), zap.Uint64("duplicates", r.Duplicates()))
}

func (r *Relay) Forwarded() uint64  { return r.forwarded.Load() }
func (r *Relay) Duplicates() uint64 { return r.duplicates.Load() }
func (r *Relay) Dropped() uint64    { return r.dropped.Load() }

func (r *Relay) accept(queue chan<- gateway.Receive, rcv gateway.Receive) {
	if ok, _ := r.seen.ContainsOrAdd(Digest(rcv.Data), struct{}{}); ok {
		r.duplicates.Add(1)
		if r.opts.OnDuplicate != nil {
			r.opts.OnDuplicate()
		}
		return
	}
	select {
	case queue <- rcv:
	default:
		r.dropped.Add(1)
		zap.L().Warn("relay queue full, record dropped", zap.String("from", rcv.Address))
	}
}

func (r *Relay) worker(queue <-chan gateway.Receive, done <-chan struct{}) {
	defer r.wg.Done()
	for {
		select {
		case <-done:
			return
		case rcv := <-queue:
			r.forward(rcv)
		}
	}
}

// forward sends rcv to every neighbor that may be sent to and does not match
// its source address.
func (r *Relay) forward(rcv gateway.Receive) {
	for _, n := range r.gw.Neighbors() {
		if !n.CanSend() || n.Match(rcv.Address) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.SendTimeout)
		err := r.gw.Send(ctx, rcv.Data, n.Address())
		cancel()
		if err != nil {
			zap.L().Debug("relay send failed", zap.String("to", n.Address()), zap.Error(err))
			continue
		}
		r.forwarded.Add(1)
		if r.opts.OnForward != nil {
			r.opts.OnForward(n.Address())
		}
	}
}
