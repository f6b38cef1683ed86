package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shanju/donation-ingest/models"
)

func TestResolveCreatesNewDonor(t *testing.T) {
	store := newFakeStore()
	resolver := NewDonorResolver(store, "Donors")

	id, err := resolver.Resolve(context.Background(), models.Donor{
		StripeCustomerID: "cus_123",
		Email:            "Alice@Example.org ",
		Name:             "Alice",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := store.FindFirst(context.Background(), "Donors", "stripe_customer_id", "cus_123")
	require.NoError(t, err)
	require.NotNil(t, rec)
	// email入库前规范化为小写去空格
	assert.Equal(t, "alice@example.org", rec.StringField("email"))
	assert.Equal(t, "Alice", rec.StringField("name"))
}

func TestResolveConvergesOnCustomerID(t *testing.T) {
	store := newFakeStore()
	resolver := NewDonorResolver(store, "Donors")

	first, err := resolver.Resolve(context.Background(), models.Donor{
		StripeCustomerID: "cus_123",
		Email:            "alice@example.org",
	})
	require.NoError(t, err)

	// 同一付款人重复出现，必须收敛到同一条记录
	second, err := resolver.Resolve(context.Background(), models.Donor{
		StripeCustomerID: "cus_123",
		Email:            "alice@example.org",
	})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.count("Donors"))
}

func TestResolveBackfillsCustomerID(t *testing.T) {
	store := newFakeStore()
	// 存量记录只有email，没有customer id（历史手工录入）
	seeded := store.seed("Donors", map[string]interface{}{
		"email": "bob@example.org",
		"name":  "Bob",
	})
	resolver := NewDonorResolver(store, "Donors")

	id, err := resolver.Resolve(context.Background(), models.Donor{
		StripeCustomerID: "cus_456",
		Email:            "bob@example.org",
	})
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, id)

	rec, err := store.FindFirst(context.Background(), "Donors", "email", "bob@example.org")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "cus_456", rec.StringField("stripe_customer_id"))
}

func TestResolveBackfillIsMonotonic(t *testing.T) {
	store := newFakeStore()
	// 已有customer id的记录不会被覆盖
	seeded := store.seed("Donors", map[string]interface{}{
		"email":              "carol@example.org",
		"stripe_customer_id": "cus_old",
	})
	resolver := NewDonorResolver(store, "Donors")

	id, err := resolver.Resolve(context.Background(), models.Donor{
		StripeCustomerID: "cus_new",
		Email:            "carol@example.org",
	})
	require.NoError(t, err)
	// customer id不匹配但email匹配，回填只补空不改写
	assert.Equal(t, seeded.ID, id)

	rec, err := store.FindFirst(context.Background(), "Donors", "email", "carol@example.org")
	require.NoError(t, err)
	assert.Equal(t, "cus_old", rec.StringField("stripe_customer_id"))
	assert.Equal(t, 0, store.updateCalls)
}

func TestResolveEmailOnly(t *testing.T) {
	store := newFakeStore()
	resolver := NewDonorResolver(store, "Donors")

	first, err := resolver.Resolve(context.Background(), models.Donor{Email: "dave@example.org"})
	require.NoError(t, err)

	second, err := resolver.Resolve(context.Background(), models.Donor{Email: "DAVE@example.org"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolveRejectsEmptyProfile(t *testing.T) {
	store := newFakeStore()
	resolver := NewDonorResolver(store, "Donors")

	_, err := resolver.Resolve(context.Background(), models.Donor{Name: "nobody"})
	require.Error(t, err)
	assert.Equal(t, 0, store.count("Donors"))
}

func TestResolvePropagatesStoreError(t *testing.T) {
	store := newFakeStore()
	store.findErr = context.DeadlineExceeded
	resolver := NewDonorResolver(store, "Donors")

	_, err := resolver.Resolve(context.Background(), models.Donor{Email: "x@example.org"})
	require.Error(t, err)
}
