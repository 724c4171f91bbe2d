package aptos

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// OwnedToken is a row from the indexer's current_token_ownerships_v2 table.
// Only the fields the marketplace needs are decoded.
type OwnedToken struct {
	TokenDataID      string      `json:"token_data_id" graphql:"token_data_id"`
	OwnerAddress     string      `json:"owner_address" graphql:"owner_address"`
	Amount           json.Number `json:"amount" graphql:"amount"`
	CurrentTokenData *TokenData  `json:"current_token_data" graphql:"current_token_data"`
}

// TokenData is the token's indexer metadata.
type TokenData struct {
	TokenName         string      `json:"token_name" graphql:"token_name"`
	Description       string      `json:"description" graphql:"description"`
	TokenURI          string      `json:"token_uri" graphql:"token_uri"`
	CurrentCollection *Collection `json:"current_collection" graphql:"current_collection"`
}

// Collection identifies the collection a token was minted into.
type Collection struct {
	CollectionName string `json:"collection_name" graphql:"collection_name"`
	CreatorAddress string `json:"creator_address" graphql:"creator_address"`
}

// CollectionName returns the token's collection name or "" when the indexer
// did not include collection data.
func (t OwnedToken) CollectionName() string {
	if t.CurrentTokenData == nil || t.CurrentTokenData.CurrentCollection == nil {
		return ""
	}
	return t.CurrentTokenData.CurrentCollection.CollectionName
}

// ViewRequest calls a view function. Arguments follow the same typing rules
// as EntryFunctionPayload.
type ViewRequest struct {
	Function      string   `json:"function"`
	TypeArguments []string `json:"type_arguments"`
	Arguments     []any    `json:"arguments"`
}

// EntryFunctionPayload is an entry function call carried by a user transaction.
// Arguments are Move values: string, uint64, bool or Address.
type EntryFunctionPayload struct {
	Type          string   `json:"type"`
	Function      string   `json:"function"`
	TypeArguments []string `json:"type_arguments"`
	Arguments     []any    `json:"arguments"`
}

// NewEntryFunctionPayload builds a payload with no type arguments.
func NewEntryFunctionPayload(function string, args ...any) EntryFunctionPayload {
	if args == nil {
		args = []any{}
	}
	return EntryFunctionPayload{
		Type:          "entry_function_payload",
		Function:      function,
		TypeArguments: []string{},
		Arguments:     args,
	}
}

// Transaction is the subset of a committed transaction that we use.
type Transaction struct {
	Type     string `json:"type"`
	Hash     string `json:"hash"`
	Version  string `json:"version"`
	Success  bool   `json:"success"`
	VMStatus string `json:"vm_status"`
}

var (
	// ErrTransactionFailed is returned when a committed transaction did not succeed.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrInvalidAddress is returned for malformed account or object addresses.
	ErrInvalidAddress = errors.New("invalid address")
)

// APIError is a non-2xx response from the node or indexer.
type APIError struct {
	StatusCode  int    `json:"-"`
	Message     string `json:"message"`
	ErrorCode   string `json:"error_code"`
	VMErrorCode int    `json:"vm_error_code,omitempty"`
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("aptos API error %d (%s): %s", e.StatusCode, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("aptos API error %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the node.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
