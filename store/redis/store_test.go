package redis_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/resource"
	"github.com/xraph/tempo/store"
	redisstore "github.com/xraph/tempo/store/redis"
	"github.com/xraph/tempo/store/storetest"
	"github.com/xraph/tempo/thread"
	"github.com/xraph/tempo/trigger"
)

func newStore(t *testing.T) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return redisstore.New(client), mr
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, _ := newStore(t)
		return s
	})
}

func TestKeysArePrefixed(t *testing.T) {
	ctx := context.Background()
	s, mr := newStore(t)

	authority := resource.Derive("prefix-authority")
	th := thread.New(authority, "hourly", trigger.NewCron("@hourly", false),
		[]thread.Operation{{Program: resource.Derive("program")}}, 100, 5)
	if err := s.CreateThread(ctx, th); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTable(ctx, lut.NewTable(authority, 4, 0)); err != nil {
		t.Fatal(err)
	}
	if err := s.UseNonce(ctx, authority, 1); err != nil {
		t.Fatal(err)
	}

	keys := mr.Keys()
	if len(keys) == 0 {
		t.Fatal("no keys written")
	}
	for _, k := range keys {
		if !strings.HasPrefix(k, "tempo:") {
			t.Errorf("key %q lacks the tempo: prefix", k)
		}
	}
}

func TestLeaseStoredBesideData(t *testing.T) {
	ctx := context.Background()
	s, mr := newStore(t)

	th := thread.New(resource.Derive("lease-authority"), "lease", trigger.NewCron("@hourly", false),
		[]thread.Operation{{Program: resource.Derive("program")}}, 100, 5)
	if err := s.CreateThread(ctx, th); err != nil {
		t.Fatal(err)
	}
	worker := id.NewWorkerID()
	if ok, err := s.AcquireThreadLease(ctx, th.ID, worker, time.Minute); err != nil || !ok {
		t.Fatalf("acquire = %v, %v", ok, err)
	}

	key := "tempo:thread:" + th.ID.String()
	if got := mr.HGet(key, "locked_by"); got != worker.String() {
		t.Errorf("locked_by = %q, want %q", got, worker.String())
	}
	if mr.HGet(key, "locked_until") == "" {
		t.Error("locked_until not recorded")
	}

	if err := s.ReleaseThreadLease(ctx, th.ID, worker); err != nil {
		t.Fatal(err)
	}
	if got := mr.HGet(key, "locked_by"); got != "" {
		t.Errorf("locked_by after release = %q", got)
	}
}

func TestDeleteThreadFreesName(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	authority := resource.Derive("reuse-authority")
	mk := func() *thread.Thread {
		return thread.New(authority, "reused", trigger.NewCron("@hourly", false),
			[]thread.Operation{{Program: resource.Derive("program")}}, 100, 5)
	}
	first := mk()
	if err := s.CreateThread(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteThread(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateThread(ctx, mk()); err != nil {
		t.Fatalf("name not released by delete: %v", err)
	}
}
