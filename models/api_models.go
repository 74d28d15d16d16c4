package models

// APIError is the JSON body of every non-redirect error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
