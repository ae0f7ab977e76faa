package domain

import "errors"

var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrRegistryClosed     = errors.New("session registry is shut down")
)
