// Package redis implements store.Store on Redis. Every record is a
// msgpack blob; sorted sets keep creation order for enumeration and hash
// indexes enforce the unique (authority, name) and crank address
// constraints.
//
// Thread leases live beside the thread blob in the same hash and are
// taken with a Lua script, so UpdateThread never overwrites a lease.
// Lookup table extensions run under WATCH and retry on conflict.
//
// The caller owns the client lifecycle:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
