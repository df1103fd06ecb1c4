package authmanager

// otpSendRequest is the body of POST /auth/login when sending a code.
type otpSendRequest struct {
	MethodID string `json:"methodId"`
	Target   string `json:"target"`
}

// otpVerifyRequest is the body of POST /auth/verify.
type otpVerifyRequest struct {
	Target string  `json:"target"`
	Code   string  `json:"code"`
	Name   *string `json:"name,omitempty"`
}

// web3NonceResponse is the body of GET /auth/ethereum/nonce.
type web3NonceResponse struct {
	Address string `json:"address"`
	Nonce   string `json:"nonce"`
}

// web3VerifyRequest is the body of POST /auth/ethereum/verify.
type web3VerifyRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

// usernameRequest is the body of POST /auth/register, used here to
// claim a handle for an already-authenticated, username-less account.
type usernameRequest struct {
	Name string `json:"name"`
}

// usernameAvailabilityResponse is the body of GET /auth/username-available.
type usernameAvailabilityResponse struct {
	Available bool `json:"available"`
}
