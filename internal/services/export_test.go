package services

// SetTokenGenerator replaces the token source of s.
func SetTokenGenerator(s *TokenService, gen func() (string, error)) { s.tokenGen = gen }
