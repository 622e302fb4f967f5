// Package auth checks the incoming-connection password offered during a
// transport handshake.
package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrInvalidPassword = errors.New("auth: invalid password")

// Validator checks one offered secret.
type Validator interface {
	Validate(offered []byte) error
}

// Password accepts a single shared secret. The empty password accepts
// every handshake.
type Password string

func (p Password) Validate(offered []byte) error {
	if p == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(p), offered) != 1 {
		return ErrInvalidPassword
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(offered []byte) error

func (f FuncValidator) Validate(offered []byte) error {
	return f(offered)
}
