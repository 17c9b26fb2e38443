// Package tools defines the four tools the Conversation Engine exposes
// to the model: search_products, get_user_profile, update_user_profile
// and get_product_details. It holds the argument shapes and the
// schema declarations; dispatch and state (dedup, pre-cached profile)
// live in package toolexec.
package tools

import "github.com/scoopai/convcore/pkg/toolschema"

// Tool names, matching the function-declaration names sent to the model.
const (
	NameSearchProducts    = "search_products"
	NameGetUserProfile    = "get_user_profile"
	NameUpdateUserProfile = "update_user_profile"
	NameGetProductDetails = "get_product_details"
)

// SearchProductsArgs is the argument shape for search_products.
type SearchProductsArgs struct {
	Query    string  `json:"query" jsonschema:"required,description=Search query describing the product the user wants"`
	MaxPrice float64 `json:"max_price,omitempty" jsonschema:"description=Optional maximum price in GEL"`
	Category string  `json:"category,omitempty" jsonschema:"description=Optional product category filter"`
}

// UpdateUserProfileArgs is the argument shape for update_user_profile.
// Fields are optional; only non-zero fields are applied by the store.
type UpdateUserProfileArgs struct {
	Goal          string   `json:"goal,omitempty" jsonschema:"description=User's stated fitness or nutrition goal"`
	WeightKg      float64  `json:"weight_kg,omitempty" jsonschema:"description=User's weight in kilograms"`
	DietaryNeeds  []string `json:"dietary_needs,omitempty" jsonschema:"description=Dietary restrictions or preferences"`
	PreferredBrand string  `json:"preferred_brand,omitempty" jsonschema:"description=User's preferred product brand"`
}

// ProductDetailsArgs is the argument shape for get_product_details.
type ProductDetailsArgs struct {
	ProductID string `json:"product_id" jsonschema:"required,description=Identifier of the product to fetch details for"`
}

// getUserProfileArgs is the (empty) argument shape for get_user_profile;
// the tool takes no model-supplied arguments since the profile is
// pre-cached per request.
type getUserProfileArgs struct{}

// Declarations returns the genai-ready schema declarations for all four
// tools, in a stable order.
func Declarations() []toolschema.Declaration {
	return []toolschema.Declaration{
		{
			Name:        NameSearchProducts,
			Description: "Search the product catalog for sports nutrition items matching a query.",
			Parameters:  toolschema.Generate(&SearchProductsArgs{}),
		},
		{
			Name:        NameGetUserProfile,
			Description: "Retrieve the current user's stored profile (goal, weight, dietary needs).",
			Parameters:  toolschema.Generate(&getUserProfileArgs{}),
		},
		{
			Name:        NameUpdateUserProfile,
			Description: "Update fields on the current user's profile.",
			Parameters:  toolschema.Generate(&UpdateUserProfileArgs{}),
		},
		{
			Name:        NameGetProductDetails,
			Description: "Fetch full details for a single product by id.",
			Parameters:  toolschema.Generate(&ProductDetailsArgs{}),
		},
	}
}
