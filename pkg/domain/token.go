package domain

// TokenRecord is the per-provider OAuth2 token state kept in Redis under
// api:token:{provider}. Only the holder of the provider's refresh lock
// mutates it; everyone else reads it lock-free.
type TokenRecord struct {
	AccessToken  string `json:"access_token"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshedAt  int64  `json:"refreshed_at"`
	RefreshCount int    `json:"refresh_count"`
}

// ValidFor reports how many seconds of validity remain at the given
// epoch instant. Negative means expired.
func (t TokenRecord) ValidFor(nowUnix int64) int64 {
	return t.ExpiresAt - nowUnix
}
