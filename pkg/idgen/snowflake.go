package idgen

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
)

// ============================================================================
// Snowflake id generator
// ============================================================================
//
// Job ids and reservation ids must be unique across every instance, so each
// process gets its own node id (0-1023, see server.node_id). The layout is the
// standard 41-bit timestamp / 10-bit node / 12-bit sequence split.
//
// ============================================================================

// 2024-01-01 00:00:00 UTC
const epochMillis = int64(1704067200000)

var (
	defaultNode *snowflake.Node
	mu          sync.Mutex
)

// Init configures the process-wide node. Calling it again replaces the node.
func Init(nodeID int64) error {
	mu.Lock()
	defer mu.Unlock()

	snowflake.Epoch = epochMillis
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return fmt.Errorf("idgen: node %d: %w", nodeID, err)
	}
	defaultNode = node
	return nil
}

// NextID returns the next id, lazily initialising node 1.
func NextID() int64 {
	mu.Lock()
	node := defaultNode
	mu.Unlock()

	if node == nil {
		if err := Init(1); err != nil {
			panic(err)
		}
		return NextID()
	}
	return node.Generate().Int64()
}
