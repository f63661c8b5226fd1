package topic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) TakeUnused(_ context.Context, interests []string) (string, error) {
	args := m.Called(interests)
	return args.String(0), args.Error(1)
}

func (m *mockStore) ResetUsed(_ context.Context, interests []string) error {
	return m.Called(interests).Error(0)
}

var ctx = context.Background()

func TestDrawUnused(t *testing.T) {
	store := new(mockStore)
	store.On("TakeUnused", []string{"Cars"}).Return("Dream car?", nil).Once()

	got, err := NewDrawer(store, nil).Draw(ctx, []string{"Cars"})
	require.NoError(t, err)
	assert.Equal(t, "Dream car?", got)
	store.AssertNotCalled(t, "ResetUsed", mock.Anything)
	store.AssertExpectations(t)
}

func TestDrawResetsOnceWhenExhausted(t *testing.T) {
	store := new(mockStore)
	store.On("TakeUnused", []string{"Cars"}).Return("", ErrExhausted).Once()
	store.On("ResetUsed", []string{"Cars"}).Return(nil).Once()
	store.On("TakeUnused", []string{"Cars"}).Return("Dream car?", nil).Once()

	got, err := NewDrawer(store, nil).Draw(ctx, []string{"Cars"})
	require.NoError(t, err)
	assert.Equal(t, "Dream car?", got)
	store.AssertExpectations(t)
}

func TestDrawGivesUpAfterOneReset(t *testing.T) {
	store := new(mockStore)
	store.On("TakeUnused", []string{"Cars"}).Return("", ErrExhausted).Twice()
	store.On("ResetUsed", []string{"Cars"}).Return(nil).Once()

	_, err := NewDrawer(store, nil).Draw(ctx, []string{"Cars"})
	assert.ErrorIs(t, err, ErrNoTopic)
	store.AssertExpectations(t)
	store.AssertNumberOfCalls(t, "TakeUnused", 2)
	store.AssertNumberOfCalls(t, "ResetUsed", 1)
}

func TestDrawNoInterests(t *testing.T) {
	store := new(mockStore)
	_, err := NewDrawer(store, nil).Draw(ctx, nil)
	assert.ErrorIs(t, err, ErrNoTopic)
	store.AssertNotCalled(t, "TakeUnused", mock.Anything)
}

func TestDrawPropagatesStoreErrors(t *testing.T) {
	boom := errors.New("connection refused")

	store := new(mockStore)
	store.On("TakeUnused", []string{"Art"}).Return("", boom).Once()
	_, err := NewDrawer(store, nil).Draw(ctx, []string{"Art"})
	assert.ErrorIs(t, err, boom)

	store = new(mockStore)
	store.On("TakeUnused", []string{"Art"}).Return("", ErrExhausted).Once()
	store.On("ResetUsed", []string{"Art"}).Return(boom).Once()
	_, err = NewDrawer(store, nil).Draw(ctx, []string{"Art"})
	assert.ErrorIs(t, err, boom)
}
