package model_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/espalier/internal/ddbtest"
	"github.com/jacentio/espalier/model"
	"github.com/jacentio/espalier/schema"
	"github.com/jacentio/espalier/store"
)

type Account struct {
	ID        string `dynamodbav:"id,omitempty"`
	Type      string `dynamodbav:"_type,omitempty"`
	Owner     string `dynamodbav:"owner" validate:"required"`
	Balance   int    `dynamodbav:"balance" validate:"gte=0"`
	CreatedAt string `dynamodbav:"createdAt,omitempty"`
	UpdatedAt string `dynamodbav:"updatedAt,omitempty"`
}

var errInsufficientFunds = errors.New("insufficient funds")

type bank struct {
	client   *ddbtest.Client
	inst     *model.Instance
	accounts *model.CollectionModel[Account, string]
	users    *model.CollectionModel[User, string]
}

func newBank(t *testing.T) *bank {
	t.Helper()
	client := ddbtest.New()
	inst := model.NewInstance(store.New(client, store.DefaultConfig()))
	clock := &ticker{}

	accounts := model.New(inst, model.MustConfig(model.Options[Account, string]{
		Schema: schema.Of[Account](),
		Type:   "account",
		Now:    clock.now,
	}), store.Keyspace{Bucket: "app", Scope: "tenant", Collection: "accounts"})
	users := model.New(inst, model.MustConfig(model.Options[User, string]{
		Schema: schema.Of[User](),
		Type:   "user",
		Now:    clock.now,
	}), usersKeyspace)

	ctx := context.Background()
	_, err := accounts.Insert(ctx, "alice", Account{Owner: "alice", Balance: 100}, nil)
	require.NoError(t, err)
	_, err = accounts.Insert(ctx, "bob", Account{Owner: "bob", Balance: 50}, nil)
	require.NoError(t, err)

	return &bank{client: client, inst: inst, accounts: accounts, users: users}
}

func (b *bank) models() map[string]model.Binder {
	return map[string]model.Binder{"accounts": b.accounts, "users": b.users}
}

func (b *bank) transfer(ctx context.Context, from, to string, amount int) (*store.TransactionResult[int], error) {
	return model.Transact(ctx, b.inst, b.models(), func(ctx context.Context, tx *model.Tx) (int, error) {
		accounts, err := model.TxModel[Account, string](tx, "accounts")
		if err != nil {
			return 0, err
		}
		src, err := accounts.Get(ctx, from)
		if err != nil {
			return 0, err
		}
		dst, err := accounts.Get(ctx, to)
		if err != nil {
			return 0, err
		}
		debit, credit := src.MustParse(), dst.MustParse()
		if debit.Balance < amount {
			return 0, errInsufficientFunds
		}
		debit.Balance -= amount
		credit.Balance += amount
		if err := src.Replace(ctx, debit, nil); err != nil {
			return 0, err
		}
		if err := dst.Replace(ctx, credit, nil); err != nil {
			return 0, err
		}
		return debit.Balance, nil
	})
}

func (b *bank) balance(t *testing.T, id string) int {
	t.Helper()
	doc, err := b.accounts.Get(context.Background(), id)
	require.NoError(t, err)
	return doc.MustParse().Balance
}

func TestTransact_Commit(t *testing.T) {
	b := newBank(t)

	res, err := b.transfer(context.Background(), "alice", "bob", 30)
	require.NoError(t, err)
	assert.Equal(t, 70, res.Value)
	assert.Equal(t, 1, res.Attempts)
	assert.NotEmpty(t, res.TransactionID)

	assert.Equal(t, 70, b.balance(t, "alice"))
	assert.Equal(t, 80, b.balance(t, "bob"))

	doc, err := b.accounts.Get(context.Background(), "alice")
	require.NoError(t, err)
	a := doc.MustParse()
	assert.Equal(t, "alice", a.ID)
	assert.Equal(t, "account", a.Type)
	assert.NotEqual(t, a.CreatedAt, a.UpdatedAt, "a transactional replace refreshes updatedAt")
}

func TestTransact_Query(t *testing.T) {
	b := newBank(t)

	res, err := model.Transact(context.Background(), b.inst, b.models(), func(ctx context.Context, tx *model.Tx) (int, error) {
		rows, err := tx.Query(ctx, `SELECT "doc" FROM "app" WHERE "scope" = ? AND "collection" = ?`, &store.QueryOptions{
			Parameters: []any{"tenant", "accounts"},
		})
		if err != nil {
			return 0, err
		}
		total := 0
		for _, row := range rows.Documents() {
			var a Account
			if err := attributevalue.Unmarshal(row, &a); err != nil {
				return 0, err
			}
			total += a.Balance
		}
		return total, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 150, res.Value)
	assert.Zero(t, b.client.Calls(ddbtest.OpTransactWriteItems))
}

func TestTransact_DomainFailure(t *testing.T) {
	b := newBank(t)
	b.client.ResetCalls()

	_, err := b.transfer(context.Background(), "bob", "alice", 500)
	assert.ErrorIs(t, err, errInsufficientFunds)
	assert.False(t, store.IsTransactionFailed(err))
	assert.Zero(t, b.client.Calls(ddbtest.OpTransactWriteItems))

	assert.Equal(t, 100, b.balance(t, "alice"))
	assert.Equal(t, 50, b.balance(t, "bob"))
}

func TestTransact_ValidationAbortsWithoutPartialWrites(t *testing.T) {
	b := newBank(t)

	_, err := model.Transact(context.Background(), b.inst, b.models(), func(ctx context.Context, tx *model.Tx) (struct{}, error) {
		accounts, err := model.TxModel[Account, string](tx, "accounts")
		if err != nil {
			return struct{}{}, err
		}
		src, err := accounts.Get(ctx, "alice")
		if err != nil {
			return struct{}{}, err
		}
		a := src.MustParse()
		a.Balance = 0
		if err := src.Replace(ctx, a, nil); err != nil {
			return struct{}{}, err
		}
		dst, err := accounts.Get(ctx, "bob")
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, dst.Replace(ctx, Account{Owner: "bob", Balance: -1}, nil)
	})

	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 100, b.balance(t, "alice"), "the staged replace was discarded")
}

func TestTransact_RetriesConflicts(t *testing.T) {
	b := newBank(t)
	conflicts := 1
	b.client.BeforeTransact = func() {
		if conflicts == 0 {
			return
		}
		conflicts--
		b.client.Mutate("app", "tenant/accounts/account::alice", func(item map[string]types.AttributeValue) {
			item["cas"] = &types.AttributeValueMemberN{Value: "1"}
		})
	}

	res, err := b.transfer(context.Background(), "alice", "bob", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 90, b.balance(t, "alice"))
	assert.Equal(t, 60, b.balance(t, "bob"))
}

func TestTransact_InsertAndRemove(t *testing.T) {
	b := newBank(t)
	ctx := context.Background()

	_, err := model.Transact(ctx, b.inst, b.models(), func(ctx context.Context, tx *model.Tx) (string, error) {
		accounts, err := model.TxModel[Account, string](tx, "accounts")
		if err != nil {
			return "", err
		}
		users, err := model.TxModel[User, string](tx, "users")
		if err != nil {
			return "", err
		}

		carol, err := users.Insert(ctx, "carol", User{Name: "Carol"})
		if err != nil {
			return "", err
		}
		assert.Equal(t, model.KindTxMutated, carol.Kind())

		bob, err := accounts.Get(ctx, "bob")
		if err != nil {
			return "", err
		}
		assert.Equal(t, model.KindTxFetched, bob.Kind())
		if err := bob.Remove(ctx); err != nil {
			return "", err
		}
		assert.Equal(t, model.StateRemoved, bob.State())
		assert.ErrorIs(t, bob.Replace(ctx, Account{Owner: "bob"}, nil), model.ErrDocumentRemoved)
		assert.ErrorIs(t, bob.Remove(ctx), model.ErrDocumentRemoved)

		_, err = accounts.Get(ctx, "bob")
		assert.True(t, store.IsNotFound(err), "the attempt sees its own removal")
		return carol.Key(), nil
	})
	require.NoError(t, err)

	doc, err := b.users.Get(ctx, "carol")
	require.NoError(t, err)
	u := doc.MustParse()
	assert.Equal(t, "carol", u.ID)
	assert.Equal(t, "user", u.Type)
	assert.NotEmpty(t, u.CreatedAt)
	assert.Equal(t, u.CreatedAt, u.UpdatedAt)

	_, err = b.accounts.Get(ctx, "bob")
	assert.True(t, store.IsNotFound(err))
}

func TestTransact_InsertExisting(t *testing.T) {
	b := newBank(t)

	_, err := model.Transact(context.Background(), b.inst, b.models(), func(ctx context.Context, tx *model.Tx) (int, error) {
		accounts, err := model.TxModel[Account, string](tx, "accounts")
		if err != nil {
			return 0, err
		}
		_, err = accounts.Insert(ctx, "alice", Account{Owner: "mallory"})
		return 0, err
	})
	assert.True(t, store.IsExists(err))
	assert.Equal(t, 100, b.balance(t, "alice"))
}

func TestTxModel_Lookup(t *testing.T) {
	b := newBank(t)

	_, err := model.Transact(context.Background(), b.inst, b.models(), func(ctx context.Context, tx *model.Tx) (bool, error) {
		_, err := model.TxModel[Account, string](tx, "ledgers")
		assert.ErrorIs(t, err, model.ErrUnknownModel)

		_, err = model.TxModel[User, string](tx, "accounts")
		assert.ErrorIs(t, err, model.ErrUnknownModel)

		assert.NotNil(t, tx.Attempt())
		assert.NotEmpty(t, tx.Attempt().TransactionID())
		return true, nil
	})
	require.NoError(t, err)
}

func TestTxDocument_ConflictingOptions(t *testing.T) {
	b := newBank(t)

	_, err := model.Transact(context.Background(), b.inst, b.models(), func(ctx context.Context, tx *model.Tx) (int, error) {
		accounts, err := model.TxModel[Account, string](tx, "accounts")
		if err != nil {
			return 0, err
		}
		doc, err := accounts.Get(ctx, "alice")
		if err != nil {
			return 0, err
		}
		return 0, doc.Replace(ctx, Account{Owner: "alice"}, &model.ReplaceOptions{
			UpdatedAt:         "2030-01-01T00:00:00.000Z",
			PreserveUpdatedAt: model.Preserve(true),
		})
	})
	assert.ErrorIs(t, err, model.ErrConflictingUpdatedAt)
}
