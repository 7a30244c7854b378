package redis

import (
	"strconv"

	"github.com/xraph/tempo/resource"
)

// Redis key naming conventions for tempo data.
// All keys are prefixed with "tempo:" to avoid collisions.

const keyPrefix = "tempo:"

// ── Thread keys ──

// threadKey returns the hash holding a thread: tempo:thread:{id}
// Fields: data (msgpack), locked_by, locked_until (unix millis).
func threadKey(id string) string { return keyPrefix + "thread:" + id }

// threadIDsKey is the Sorted Set of thread IDs scored by creation time.
const threadIDsKey = keyPrefix + "thread_ids"

// threadNamesKey maps {authority}:{name} to thread IDs.
const threadNamesKey = keyPrefix + "thread_names"

func threadNameField(authority resource.Handle, name string) string {
	return authority.String() + ":" + name
}

// ── Lookup table keys ──

// tableKey returns the key for a lookup table: tempo:table:{id}
func tableKey(id string) string { return keyPrefix + "table:" + id }

// tablesKey returns the Sorted Set of an authority's tables.
func tablesKey(authority resource.Handle) string {
	return keyPrefix + "tables:" + authority.String()
}

// ── Crank keys ──

// crankKey returns the key for a crank: tempo:crank:{id}
func crankKey(id string) string { return keyPrefix + "crank:" + id }

// cranksKey returns the Sorted Set of an authority's cranks.
func cranksKey(authority resource.Handle) string {
	return keyPrefix + "cranks:" + authority.String()
}

// crankAddrsKey maps crank addresses to IDs for duplicate detection.
const crankAddrsKey = keyPrefix + "crank_addrs"

// ── DLQ keys ──

// dlqKey returns the key for a failure report: tempo:dlq:{id}
func dlqKey(id string) string { return keyPrefix + "dlq:" + id }

// dlqIDsKey is the Sorted Set of report IDs scored by failure time.
const dlqIDsKey = keyPrefix + "dlq_ids"

// ── Nonce keys ──

// nonceKey returns the marker for a spent nonce:
// tempo:nonce:{authority}:{nonce}
func nonceKey(authority resource.Handle, nonce uint64) string {
	return keyPrefix + "nonce:" + authority.String() + ":" + strconv.FormatUint(nonce, 10)
}
