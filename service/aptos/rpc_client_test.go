package aptos

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSDKClient(t *testing.T, url string) *SDKClient {
	t.Helper()
	client, err := NewSDKClient(url+"/v1", url+"/graphql",
		WithRetryDelay(time.Millisecond),
		WithMaxDelay(5*time.Millisecond),
		WithPollInterval(time.Millisecond),
		WithChainID(2),
	)
	require.NoError(t, err)
	return client
}

func TestSDKClient_GetAccountOwnedTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/graphql", r.URL.Path)

		var req struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Query, "current_token_ownerships_v2")
		assert.Equal(t, testOwner, req.Variables["owner"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"current_token_ownerships_v2":[
			{"token_data_id":"0xaa","owner_address":"` + testOwner + `","amount":1,
			 "current_token_data":{"token_name":"Carbon-1","description":"d","token_uri":"https://img",
			   "current_collection":{"collection_name":"CarbonMove Market V3","creator_address":"0x1"}}},
			{"token_data_id":"0xbb","owner_address":"` + testOwner + `","amount":"1","current_token_data":null}
		]}}`))
	}))
	defer server.Close()

	client := newTestSDKClient(t, server.URL)
	tokens, err := client.GetAccountOwnedTokens(context.Background(), "0x7968dab936c1bad187c60ce4082f307d030d780e91e694ae03aef16aba73f30")
	require.NoError(t, err)
	require.Len(t, tokens, 2)

	assert.Equal(t, "0xaa", tokens[0].TokenDataID)
	assert.Equal(t, "CarbonMove Market V3", tokens[0].CollectionName())
	assert.Equal(t, "Carbon-1", tokens[0].CurrentTokenData.TokenName)
	assert.Equal(t, "", tokens[1].CollectionName())
}

func TestSDKClient_GetAccountOwnedTokens_GraphQLError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"errors":[{"message":"field not found"}]}`))
	}))
	defer server.Close()

	client := newTestSDKClient(t, server.URL)
	_, err := client.GetAccountOwnedTokens(context.Background(), testOwner)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field not found")
}

func TestSDKClient_GetAccountOwnedTokens_InvalidOwner(t *testing.T) {
	client := newTestSDKClient(t, "http://127.0.0.1:0")
	_, err := client.GetAccountOwnedTokens(context.Background(), "not-hex")
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestEncodeArgs(t *testing.T) {
	args, err := encodeArgs([]any{"ab", uint64(100), true, Address("0x1")})
	require.NoError(t, err)
	require.Len(t, args, 4)

	assert.Equal(t, []byte{0x02, 'a', 'b'}, args[0])
	assert.Equal(t, []byte{100, 0, 0, 0, 0, 0, 0, 0}, args[1])
	assert.Equal(t, []byte{0x01}, args[2])

	addr := make([]byte, 32)
	addr[31] = 1
	assert.Equal(t, addr, args[3])
}

func TestEncodeArgs_Rejects(t *testing.T) {
	_, err := encodeArgs([]any{"ok", 42})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "argument 1")

	_, err = encodeArgs([]any{Address("0xzz")})
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestParseFunctionID(t *testing.T) {
	module, fn, err := parseFunctionID("0x1::carbon_credit_v3::buy_listing")
	require.NoError(t, err)
	assert.Equal(t, "carbon_credit_v3", module.Name)
	assert.Equal(t, "buy_listing", fn)

	want, err := ParseAddress("0x1")
	require.NoError(t, err)
	assert.Equal(t, want, module.Address)

	for _, id := range []string{"", "0x1::m", "0x1::m::", "zz::m::f", "0x1::m::f::g"} {
		_, _, err := parseFunctionID(id)
		assert.Error(t, err, id)
	}
}

func TestEntryFunctionPayload_EntryFunction(t *testing.T) {
	payload := NewEntryFunctionPayload("0x1::carbon_credit_v3::retire_credit", Address("0xabc"))
	entry, err := payload.entryFunction()
	require.NoError(t, err)
	assert.Equal(t, "retire_credit", entry.Function)
	require.Len(t, entry.Args, 1)
	assert.Len(t, entry.Args[0], 32)

	payload.TypeArguments = []string{"0x1::aptos_coin::AptosCoin"}
	_, err = payload.entryFunction()
	assert.Error(t, err)
}

func TestCall_ReturnsWhenContextDone(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := call(ctx, func() (int, error) {
		<-release
		return 1, nil
	})
	require.ErrorIs(t, err, context.Canceled)

	v, err := call(context.Background(), func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
