package contentstore

import (
	"context"
	"fmt"
	"io"

	blocks "github.com/ipfs/go-block-format"
	blockservice "github.com/ipfs/go-blockservice"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/ipfs/go-merkledag"
	"go.uber.org/zap"
)

// offlineExchange satisfies blockservice's exchange.Interface without
// ever reaching onto the network: every PoA deployment either already
// holds the blob locally (it was admitted through AddPinned) or talks to
// a local IPFS daemon through the blockstore's own datastore, so there
// is never a bitswap round-trip to perform here.
type offlineExchange struct {
	bs blockstore.Blockstore
}

func (o offlineExchange) GetBlock(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	return o.bs.Get(ctx, c)
}

func (o offlineExchange) GetBlocks(ctx context.Context, cs []cid.Cid) (<-chan blocks.Block, error) {
	out := make(chan blocks.Block, len(cs))
	go func() {
		defer close(out)
		for _, c := range cs {
			b, err := o.bs.Get(ctx, c)
			if err != nil {
				continue
			}
			out <- b
		}
	}()
	return out, nil
}

func (offlineExchange) NotifyNewBlocks(context.Context, ...blocks.Block) error { return nil }
func (offlineExchange) Close() error                                          { return nil }

var _ io.Closer = offlineExchange{}

// IPFSStore is a ContentStore backed by a local blockstore and the
// go-merkledag DAG service, the same stack the Filecoin tooling in this
// corpus builds its content-addressed layer on.
type IPFSStore struct {
	bstore blockstore.Blockstore
	dag    merkledag.DAGService
	log    *zap.Logger
}

// NewIPFSStore wraps ds (any datastore.Batching — typically a disk-backed
// one in production) in a thread-safe blockstore and DAG service.
func NewIPFSStore(ds datastore.Batching, log *zap.Logger) *IPFSStore {
	bs := blockstore.NewBlockstore(dssync.MutexWrap(ds))
	bserv := blockservice.New(bs, offlineExchange{bs: bs})
	return &IPFSStore{
		bstore: bs,
		dag:    merkledag.NewDAGService(bserv),
		log:    log,
	}
}

func (s *IPFSStore) Cat(ctx context.Context, contentID string) ([]byte, error) {
	c, err := cid.Decode(contentID)
	if err != nil {
		return nil, fmt.Errorf("contentstore: decode cid %q: %w", contentID, err)
	}
	b, err := s.bstore.Get(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("contentstore: get %q: %w", contentID, err)
	}
	return b.RawData(), nil
}

// RecursiveRefs returns the direct DAG links of contentID's node, in
// link order, as the PoA sub-block list. A node with no links (a leaf
// blob) yields an empty slice, matching §4.2's "leaf blob" case.
func (s *IPFSStore) RecursiveRefs(ctx context.Context, contentID string) ([]string, error) {
	c, err := cid.Decode(contentID)
	if err != nil {
		return nil, fmt.Errorf("contentstore: decode cid %q: %w", contentID, err)
	}
	node, err := s.dag.Get(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("contentstore: get node %q: %w", contentID, err)
	}
	links := node.Links()
	if len(links) == 0 {
		return nil, nil
	}
	ids := make([]string, len(links))
	for i, l := range links {
		ids[i] = l.Cid.String()
	}
	return ids, nil
}

func (s *IPFSStore) AddPinned(ctx context.Context, b []byte) (string, error) {
	blk := blocks.NewBlock(b)
	if err := s.bstore.Put(ctx, blk); err != nil {
		return "", fmt.Errorf("contentstore: put block: %w", err)
	}
	return blk.Cid().String(), nil
}

func (s *IPFSStore) IsOnline(ctx context.Context) bool {
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := s.bstore.AllKeysChan(probeCtx)
	if err != nil {
		return false
	}
	// Cancelling immediately after the first (possibly empty) read stops
	// the background enumeration goroutine; a working blockstore returns
	// a usable channel even when it has nothing queued yet.
	select {
	case <-ch:
	default:
	}
	return true
}

var _ ContentStore = (*IPFSStore)(nil)
