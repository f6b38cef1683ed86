package services

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shanju/donation-ingest/utils"
)

func TestMinorToMajor(t *testing.T) {
	assert.Equal(t, 25.50, MinorToMajor(2550))
	assert.Equal(t, 0.0, MinorToMajor(0))
	assert.Equal(t, 0.01, MinorToMajor(1))
	assert.Equal(t, 10000.0, MinorToMajor(1000000))
}

func TestMinorToMajorNoDrift(t *testing.T) {
	// [0, 1_000_000]分的整数转元后不丢精度，四舍五入能精确还原
	for cents := int64(0); cents <= 1000000; cents++ {
		major := MinorToMajor(cents)
		back := int64(math.Round(major * 100))
		if back != cents {
			t.Fatalf("round-trip drift at %d: got %d", cents, back)
		}
	}
}

func TestRecordCreatesDonation(t *testing.T) {
	store := newFakeStore()
	recorder := NewDonationRecorder(store, "Donations")

	paidAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	id, created, err := recorder.Record(context.Background(), "recDonor", DonationInput{
		PaymentIntentID:   "pi_123",
		CheckoutSessionID: "cs_123",
		AmountCents:       2550,
		Currency:          "usd",
		PaidAt:            paidAt,
		Status:            "paid",
		Email:             "alice@example.org",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.True(t, created)

	rec, err := store.FindFirst(context.Background(), "Donations", "payment_intent_id", "pi_123")
	require.NoError(t, err)
	require.NotNil(t, rec)
	// 分转元只在落库这一处发生
	assert.Equal(t, 25.50, rec.NumberField("amount"))
	assert.Equal(t, "2026-03-14T09:30:00Z", rec.StringField("paid_at"))
	assert.Equal(t, []string{"recDonor"}, rec.Fields["donor"])
}

func TestRecordIsIdempotent(t *testing.T) {
	store := newFakeStore()
	recorder := NewDonationRecorder(store, "Donations")

	in := DonationInput{
		PaymentIntentID: "pi_dup",
		AmountCents:     5000,
		Currency:        "usd",
		PaidAt:          time.Now(),
	}

	first, created, err := recorder.Record(context.Background(), "recDonor", in)
	require.NoError(t, err)
	assert.True(t, created)

	// 同一个payment intent重复投递，返回已有记录且不再写库
	second, created, err := recorder.Record(context.Background(), "recDonor", in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.count("Donations"))
}

func TestRecordRequiresKeys(t *testing.T) {
	store := newFakeStore()
	recorder := NewDonationRecorder(store, "Donations")

	// 缺幂等键属于坏数据，按校验错误分类，调用方据此终止重投
	_, _, err := recorder.Record(context.Background(), "recDonor", DonationInput{AmountCents: 100})
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrValidation))

	_, _, err = recorder.Record(context.Background(), "", DonationInput{PaymentIntentID: "pi_1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrValidation))
	assert.Equal(t, 0, store.count("Donations"))
}

func TestRecordPropagatesCreateError(t *testing.T) {
	store := newFakeStore()
	store.createErr = context.DeadlineExceeded
	recorder := NewDonationRecorder(store, "Donations")

	_, _, err := recorder.Record(context.Background(), "recDonor", DonationInput{
		PaymentIntentID: "pi_fail",
		AmountCents:     100,
		PaidAt:          time.Now(),
	})
	require.Error(t, err)
}
