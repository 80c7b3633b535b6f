package btree

import "context"

// NodeStore is the contract the B-tree calls to allocate, read, write,
// refresh, free and transactionally commit nodes. Backing implementations are
// replaceable: in-memory, buffered on a log device, etc.
//
// opCtx is the opaque per-request context handed in by the engine; stores use
// it to group the writes of one structural change into a single atomic
// persistence unit.
type NodeStore[K Key[K]] interface {
	// AllocNode returns a fresh node of the requested leaf-ness.
	AllocNode(ctx context.Context, isLeaf bool) (*Node[K], Status)

	// ReadNode materializes the node with the given id. Fails with
	// StatusNotFound for unknown ids and StatusCRCMismatch when the stored
	// buffer does not verify.
	ReadNode(ctx context.Context, id NodeId) (*Node[K], Status)

	// WriteNode persists a single dirty node.
	WriteNode(ctx context.Context, n *Node[K], opCtx any) Status

	// RefreshNode ensures the in-memory copy is coherent with the store.
	// Returns StatusStaleBuf when the caller's copy was superseded and
	// StatusNodeFreed when the node no longer exists.
	RefreshNode(ctx context.Context, n *Node[K], forRMW bool, opCtx any) Status

	// FreeNode returns the node to the allocator.
	FreeNode(ctx context.Context, n *Node[K], opCtx any) Status

	// PrepareNodeTxn is called before a structural change involving parent
	// and child so the store can stage a transactional group.
	PrepareNodeTxn(ctx context.Context, parent, child *Node[K], opCtx any) Status

	// TransactWriteNodes persists newNodes plus the modified child and parent
	// as one atomic unit; on failure none of them are visible.
	TransactWriteNodes(ctx context.Context, newNodes []*Node[K], child, parent *Node[K], opCtx any) Status

	// UpdateNewRootInfo publishes a new root id and link version.
	UpdateNewRootInfo(rootID NodeId, linkVersion uint64)

	// RootInfo returns the last published root id and link version.
	RootInfo() (NodeId, uint64)

	// NodeCount returns the number of allocated, not yet freed nodes.
	NodeCount() int

	StoreType() string
}
