package dto

type RegisterResponse struct {
	Message            string `json:"message"`
	VerificationQueued bool   `json:"verification_queued"`
}

type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// UserView is one dashboard row.
type UserView struct {
	Email    string `json:"email"`
	Verified bool   `json:"verified"`
}
