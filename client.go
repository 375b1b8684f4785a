package vr

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Client implements spec §4.6: it guesses the current primary, retransmits
// an outstanding batch every client_message_timeout until every item in it
// is acknowledged, and demultiplexes responses (which may arrive out of
// order, or split across several response messages) by client_seqno.
type Client struct {
	uid ClientUid
	cfg Config
	cm  *ConnectionManager

	mu       sync.Mutex
	members  []ReplicaUid
	addrBook map[ReplicaUid]string
	primary  ReplicaUid
	pending  map[int64]chan []byte

	nextSeqno  int64
	seqCounter int64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewClient constructs a client that seeds its view knowledge from members
// (any subset of the current deployment will do; the client corrects itself
// from then on via the `view` redirects a non-primary replica sends back).
func NewClient(uid ClientUid, dialer Dialer, cfg Config, members map[ReplicaUid]string) *Client {
	cfg.setDefaults()
	c := &Client{
		uid:      uid,
		cfg:      cfg,
		addrBook: make(map[ReplicaUid]string, len(members)),
		pending:  make(map[int64]chan []byte),
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x2545f4914f6cdd1d)),
	}
	for uid, addr := range members {
		c.members = append(c.members, uid)
		c.addrBook[uid] = addr
	}
	if len(c.members) > 0 {
		c.primary = c.members[0]
	}
	c.cm = NewConnectionManager(ReplicaUid(uid), dialer, cfg, c.deliver, nil)
	return c
}

// Stop closes every connection the client holds open.
func (c *Client) Stop() {
	c.cm.Close()
}

// Request submits a batch of opaque payloads as consecutive client_seqnos
// and blocks until every item has a committed result (or ctx is done).
func (c *Client) Request(ctx context.Context, payloads [][]byte) ([][]byte, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	c.mu.Lock()
	start := c.nextSeqno
	c.nextSeqno += int64(len(payloads))
	chans := make([]chan []byte, len(payloads))
	for i := range chans {
		ch := make(chan []byte, 1)
		chans[i] = ch
		c.pending[start+int64(i)] = ch
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		for i := range chans {
			delete(c.pending, start+int64(i))
		}
		c.mu.Unlock()
	}()

	retryCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.retransmitLoop(retryCtx, start, payloads)

	results := make([][]byte, len(payloads))
	for i, ch := range chans {
		select {
		case results[i] = <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return results, nil
}

func (c *Client) retransmitLoop(ctx context.Context, start int64, payloads [][]byte) {
	ticker := time.NewTicker(c.cfg.ClientMessageTimeout)
	defer ticker.Stop()
	c.sendTo(ctx, c.currentPrimary(), start, payloads)
	retry := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			retry++
			target := c.currentPrimary()
			if retry%8 == 0 {
				// spec §4.6: after every 8th retry, stop trusting our
				// primary guess and poke a random member instead, in case
				// every replica we've been addressing is partitioned away
				// from the real primary.
				target = c.randomMember()
			}
			c.sendTo(ctx, target, start, payloads)
		}
	}
}

func (c *Client) sendTo(ctx context.Context, target ReplicaUid, start int64, payloads [][]byte) {
	if target == "" {
		return
	}
	c.mu.Lock()
	addr := c.addrBook[target]
	c.mu.Unlock()
	ch, err := c.cm.Connect(ctx, target, addr)
	if err != nil {
		return
	}
	_ = ch.Send(NewRequestMsg(c.nextSeq(), start, payloads))
}

func (c *Client) currentPrimary() ReplicaUid {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primary
}

func (c *Client) randomMember() ReplicaUid {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.members) == 0 {
		return c.primary
	}
	c.rngMu.Lock()
	i := c.rng.IntN(len(c.members))
	c.rngMu.Unlock()
	return c.members[i]
}

// deliver is the ConnectionManager's InboundHandler for this client: it
// demultiplexes `response` items to waiting Request calls and follows
// `view` redirects from a replica that is no longer (or never was) primary.
func (c *Client) deliver(from PeerUid, m Msg) {
	switch m.Tag {
	case TagResponse:
		if m.Response == nil {
			return
		}
		c.mu.Lock()
		for _, item := range m.Response.Items {
			if ch, ok := c.pending[item.Seqno]; ok {
				select {
				case ch <- item.Payload:
				default:
				}
			}
		}
		c.mu.Unlock()
	case TagView:
		if m.View == nil {
			return
		}
		c.adoptView(*m.View)
	case TagError:
		// swallowed: the retransmit loop will simply try elsewhere on its
		// next tick.
	}
}

func (c *Client) adoptView(v ViewPayload) {
	if len(v.Members) == 0 || v.Primary < 0 || v.Primary >= len(v.Members) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members = c.members[:0]
	for _, md := range v.Members {
		c.members = append(c.members, md.ReplicaUid)
		if md.Address != "" {
			c.addrBook[md.ReplicaUid] = md.Address
		}
	}
	c.primary = v.Members[v.Primary].ReplicaUid
}

func (c *Client) nextSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqCounter++
	return c.seqCounter
}
