package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/tempo/thread"
	"github.com/xraph/tempo/trigger"
)

// keyFields is the fingerprint of one logical execution.
type keyFields struct {
	_msgpack struct{} `msgpack:",as_array"`

	ThreadID  string
	ExecCount uint64
	Tick      int64
	Snapshot  []byte
}

// IdempotencyKey derives the key under which an execution is submitted.
// Retries of the same execution yield the same key. Only cron ticks take
// part; the tick of other triggers is the evaluation instant and would
// change between retries.
func IdempotencyKey(t *thread.Thread, fire trigger.Fire) (string, error) {
	f := keyFields{
		ThreadID:  t.ID.String(),
		ExecCount: t.ExecCount,
	}
	if t.Trigger.Kind == trigger.KindCron {
		f.Tick = fire.Tick.UnixNano()
	}
	if fire.Snapshot != nil {
		sum := sha256.Sum256(fire.Snapshot)
		f.Snapshot = sum[:]
	}

	raw, err := msgpack.Marshal(&f)
	if err != nil {
		return "", fmt.Errorf("tempo/scheduler: encode key: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
