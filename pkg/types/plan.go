package types

const (
	PlanFree = "free"
	PlanPro  = "pro"
	PlanMax  = "max"
)

// Plan is a purchasable subscription tier. Prices are in the smallest currency unit.
type Plan struct {
	Code         string `json:"plan_code" mapstructure:"code"`
	Label        string `json:"plan_label" mapstructure:"label"`
	Price        int64  `json:"price" mapstructure:"price"`
	Currency     string `json:"currency" mapstructure:"currency"`
	RewriteLimit int    `json:"rewrite_limit" mapstructure:"rewrite_limit"`
}

// Billable reports whether the plan can be charged through a billing key.
func (p *Plan) Billable() bool {
	return p != nil && p.Code != PlanFree && p.Price > 0
}

type PrepareMode string

const (
	PrepareModeSubscribe PrepareMode = "subscribe"
	PrepareModeUpdate    PrepareMode = "update"
)
