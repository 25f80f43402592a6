package models

// APICredentials authenticate writes to the external product API
type APICredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Valid reports whether both fields are set
func (c *APICredentials) Valid() bool {
	return c != nil && c.Username != "" && c.Password != ""
}
