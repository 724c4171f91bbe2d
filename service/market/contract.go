package market

import (
	"fmt"

	"github.com/brojonat/carbonmove/service/aptos"
)

// Entry and view functions exposed by the carbon credit module.
const (
	FnMintAndList     = "mint_and_list"
	FnBuyListing      = "buy_listing"
	FnRetireCredit    = "retire_credit"
	FnGetCarbonAmount = "get_carbon_amount"
	FnGetProjectName  = "get_project_name"
	FnGetListingPrice = "get_listing_price"
)

// Defaults for the deployed marketplace.
const (
	DefaultModuleName     = "carbon_credit_v3"
	DefaultCollectionName = "CarbonMove Market V3"
)

// Contract identifies the deployed module and the collection it mints into.
// Address is the publisher account, which is also the marketplace/admin account
// holding listed credits.
type Contract struct {
	Address    string
	Module     string
	Collection string
}

// NewContract validates and normalizes the module address.
func NewContract(address, module, collection string) (Contract, error) {
	addr, err := aptos.NormalizeAddress(address)
	if err != nil {
		return Contract{}, fmt.Errorf("invalid module address: %w", err)
	}
	if module == "" {
		module = DefaultModuleName
	}
	if collection == "" {
		collection = DefaultCollectionName
	}
	return Contract{Address: addr, Module: module, Collection: collection}, nil
}

// FunctionID returns the fully qualified "address::module::function" name.
func (c Contract) FunctionID(function string) string {
	return fmt.Sprintf("%s::%s::%s", c.Address, c.Module, function)
}

// IsAdmin reports whether account is the module publisher.
func (c Contract) IsAdmin(account string) bool {
	if account == "" {
		return false
	}
	return aptos.AddressEqual(account, c.Address)
}
