package chatmail

import (
	"testing"

	"github.com/meow-io/go-chatmail/resolver"
	"github.com/stretchr/testify/require"
)

func TestGossipTopicOnlyForGroups(t *testing.T) {
	require := require.New(t)
	require.Equal("g1", gossipTopic(&resolver.Chat{Kind: resolver.Group, GroupID: "g1"}))
	require.Equal("", gossipTopic(&resolver.Chat{Kind: resolver.OutBroadcast, GroupID: "bc1"}))
	require.Equal("", gossipTopic(&resolver.Chat{Kind: resolver.Single}))
}
