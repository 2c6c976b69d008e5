package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialOptions(t *testing.T) {
	assert.Len(t, Auth{}.dialOptions(context.Background()), 1)

	auth := Auth{TokenURL: "https://auth.example.org/token", ClientID: "id", ClientSecret: "secret"}
	assert.True(t, auth.enabled())
	assert.Len(t, auth.dialOptions(context.Background()), 2)
}

func TestDialIsLazy(t *testing.T) {
	conn, err := Dial(context.Background(), "localhost:50051", Auth{})
	require.NoError(t, err)
	assert.NoError(t, conn.Close())
}
