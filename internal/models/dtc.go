package models

// TroubleCode represents a diagnostic trouble code with description.
type TroubleCode struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}
