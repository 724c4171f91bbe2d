package market

import (
	"time"

	"github.com/brojonat/carbonmove/service/aptos"
)

// Placeholder values shown until (or instead of) a resolved view result.
const (
	PlaceholderCarbonAmount = "N/A"
	PlaceholderProjectName  = "Loading..."
	PlaceholderPrice        = "0"

	// Used when the view call succeeded but returned nothing.
	EmptyCarbonAmount = "0"
	EmptyProjectName  = "Unknown Project"
)

// CreditRecord is the display record for one carbon credit token.
// It is rebuilt on every refresh.
type CreditRecord struct {
	TokenID      string `json:"token_id"`
	Owner        string `json:"owner"`
	TokenName    string `json:"token_name"`
	Description  string `json:"description"`
	ImageURL     string `json:"image_url"`
	Collection   string `json:"collection"`
	Amount       string `json:"amount"`
	CarbonAmount string `json:"carbon_amount"`
	ProjectName  string `json:"project_name"`
	Price        string `json:"price"`
	PriceOctas   uint64 `json:"price_octas"`
	Listed       bool   `json:"listed"`
}

// newRecord copies indexer metadata and sets every view-resolved field to its placeholder.
func newRecord(token aptos.OwnedToken, listed bool) CreditRecord {
	r := CreditRecord{
		TokenID:      token.TokenDataID,
		Owner:        token.OwnerAddress,
		Amount:       token.Amount.String(),
		CarbonAmount: PlaceholderCarbonAmount,
		ProjectName:  PlaceholderProjectName,
		Price:        PlaceholderPrice,
		Listed:       listed,
	}
	if data := token.CurrentTokenData; data != nil {
		r.TokenName = data.TokenName
		r.Description = data.Description
		r.ImageURL = data.TokenURI
	}
	r.Collection = token.CollectionName()
	return r
}

// Snapshot is the result of one refresh: the marketplace listings and,
// when an account was given, that account's holdings.
type Snapshot struct {
	Account     string         `json:"account,omitempty"`
	IsAdmin     bool           `json:"is_admin"`
	Market      []CreditRecord `json:"market"`
	Portfolio   []CreditRecord `json:"portfolio"`
	RefreshedAt time.Time      `json:"refreshed_at"`
}
