// Package model binds a schema to documents in a store collection.
//
// A model reads and writes values of a Go type T identified by an ID. Every
// write is encoded with the model's [Schema], stamped with bookkeeping fields
// and validated again before it reaches the store:
//
//   - id: the document ID
//   - _type: the model's type tag
//   - createdAt: set once when the document is created
//   - updatedAt: set on every write unless told otherwise
//
// Field names are configurable and each field can be turned off. Only map
// documents get fields; lists and scalars are written as they are.
//
// # Models
//
//	cfg := model.MustConfig(model.Options[User, string]{
//	    Schema: schema.Of[User](),
//	    Type:   "user",
//	})
//	users := model.New(inst, cfg, store.Keyspace{Bucket: "app", Scope: "tenant", Collection: "users"})
//
//	doc, err := users.Insert(ctx, "u1", User{Name: "Ada"}, nil)
//
// # Documents
//
// Reads and writes return a [Document] handle that remembers the CAS it saw.
// Replacing through the handle carries id, type and createdAt over from the
// stored content and fails with store.ErrCasMismatch if someone else wrote the
// document in between:
//
//	doc, err := users.Get(ctx, "u1")
//	u, err := doc.Parse()
//	u.Name = "Grace"
//	err = doc.Replace(ctx, u, nil)
//
// # Transactions
//
// [Transact] runs a body against transactional models until it commits. An
// error returned by the body aborts the transaction and comes back unchanged.
package model
