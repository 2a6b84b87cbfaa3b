// Package memory is the long-term memory of a conversational agent.
//
// Records live in one of three tiers: core facts that never decay, semantic
// facts that decay slowly, and episodic events that decay fast and expire.
// Tiers are open strings configured with a TierPolicy each.
//
// Architecture:
//   - Store: durable records plus a triple relation index, with nearest
//     neighbour search and single-writer batches (chromem, sqlite)
//   - Embedder: text to vector conversion (mock, onnx, cache)
//   - Judge: external model proposing operation tags for a turn
//   - Retriever: hybrid ranking by similarity, relation proximity,
//     importance and recency
//   - Decayer: periodic importance decay and eviction
//   - Consolidator: validates judge proposals, folds near-duplicates into
//     existing records and applies a turn's operations as one batch
//   - Manager: InjectContext for the read path, RecordTurn for the write path
//
// Integration:
//   - Before a turn: Manager.Context renders memories for the prompt
//   - After a turn: Manager.RecordTurn queues it for consolidation; the
//     caller never waits on the judge
package memory
