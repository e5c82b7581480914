package solana

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectRandomEndpoint(t *testing.T) {
	t.Run("selects from configured endpoints", func(t *testing.T) {
		endpoints := []string{
			"https://api.mainnet-beta.solana.com",
			"https://mainnet.helius-rpc.com/?api-key=abc",
		}

		selected, err := SelectRandomEndpoint(endpoints)
		require.NoError(t, err)
		assert.Contains(t, endpoints, selected)
	})

	t.Run("single endpoint", func(t *testing.T) {
		selected, err := SelectRandomEndpoint([]string{"https://api.mainnet-beta.solana.com"})
		require.NoError(t, err)
		assert.Equal(t, "https://api.mainnet-beta.solana.com", selected)
	})

	t.Run("error on empty list", func(t *testing.T) {
		_, err := SelectRandomEndpoint(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no RPC endpoints configured")
	})
}

func TestEndpointLabel(t *testing.T) {
	assert.Equal(t, "mainnet.helius-rpc.com", EndpointLabel("https://mainnet.helius-rpc.com/?api-key=secret"))
	assert.Equal(t, "example.quiknode.pro", EndpointLabel("https://example.quiknode.pro/secret-key/"))
	assert.Equal(t, "unknown", EndpointLabel("not a url"))
}
