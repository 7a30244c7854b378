// Package mongo implements store.Store on MongoDB using the official
// mongo-driver v2. Suitable for deployments that already scale MongoDB
// horizontally.
//
// Records are kept as JSON payloads with the fields the scheduler filters
// on promoted beside them. Thread leases are taken with FindOneAndUpdate
// and lookup table extensions use a revision compare-and-set, so neither
// needs a transaction. Nonce reuse is caught by a unique index.
//
// The caller owns the *mongo.Client lifecycle and the store never
// disconnects it:
//
//	client, _ := mongo.Connect(options.Client().ApplyURI(uri))
//	s := mongostore.New(client.Database("tempo"))
//	s.Migrate(ctx)
package mongo
