package model

// TaxLine is one calculated report line returned by the tax backend. Lines
// are spliced into the session's variable context keyed by VariableName.
type TaxLine struct {
	VariableName string  `json:"variable_name"`
	Label        string  `json:"label,omitempty"`
	Amount       float64 `json:"amount"`
}
