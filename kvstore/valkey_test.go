package kvstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	valkeymock "github.com/valkey-io/valkey-go/mock"
	"go.uber.org/mock/gomock"
)

func TestValkeyPutWithTTL(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockClient := valkeymock.NewClient(ctrl)
	store := NewValkey(mockClient)
	ctx := context.Background()

	mockClient.EXPECT().
		Do(ctx, valkeymock.Match("SET", "k1", "v1", "EX", "5")).
		Return(valkeymock.Result(valkeymock.ValkeyString("OK")))

	err := store.Put(ctx, "k1", []byte("v1"), 5*time.Second)
	require.NoError(t, err)
}

func TestValkeyPutWithoutTTL(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockClient := valkeymock.NewClient(ctrl)
	store := NewValkey(mockClient)
	ctx := context.Background()

	mockClient.EXPECT().
		Do(ctx, valkeymock.Match("SET", "k1", "v1")).
		Return(valkeymock.Result(valkeymock.ValkeyString("OK")))

	err := store.Put(ctx, "k1", []byte("v1"), 0)
	require.NoError(t, err)
}

func TestValkeyGetHit(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockClient := valkeymock.NewClient(ctrl)
	store := NewValkey(mockClient)
	ctx := context.Background()

	mockClient.EXPECT().
		Do(ctx, valkeymock.Match("GET", "k1")).
		Return(valkeymock.Result(valkeymock.ValkeyBlobString("v1")))

	value, ok, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), value)
}

func TestValkeyGetMiss(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockClient := valkeymock.NewClient(ctrl)
	store := NewValkey(mockClient)
	ctx := context.Background()

	mockClient.EXPECT().
		Do(ctx, valkeymock.Match("GET", "k1")).
		Return(valkeymock.Result(valkeymock.ValkeyNil()))

	_, ok, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValkeyGetError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockClient := valkeymock.NewClient(ctrl)
	store := NewValkey(mockClient)
	ctx := context.Background()

	mockClient.EXPECT().
		Do(ctx, valkeymock.Match("GET", "k1")).
		Return(valkeymock.ErrorResult(fmt.Errorf("connection reset")))

	_, _, err := store.Get(ctx, "k1")
	assert.Error(t, err)
}
