package secure

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

var (
	// ErrEmptyToken is returned when creating a Token from no bytes.
	ErrEmptyToken = errors.New("token is empty")

	// ErrTokenDestroyed is returned by With after Destroy.
	ErrTokenDestroyed = errors.New("token has been destroyed")
)

// Token is an API credential sealed in a memguard enclave.
type Token struct {
	mu      sync.RWMutex
	enclave *memguard.Enclave
}

// NewToken seals value into an enclave. memguard wipes value once it has been
// copied, so callers must not reuse the slice.
func NewToken(value []byte) (*Token, error) {
	if len(value) == 0 {
		return nil, ErrEmptyToken
	}
	return &Token{enclave: memguard.NewEnclave(value)}, nil
}

// With decrypts the token into a locked buffer, passes the plaintext to fn and
// destroys the buffer when fn returns. fn must not retain the slice.
func (t *Token) With(fn func(plaintext []byte) error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.enclave == nil {
		return ErrTokenDestroyed
	}

	locked, err := t.enclave.Open()
	if err != nil {
		return err
	}
	defer locked.Destroy()

	return fn(locked.Bytes())
}

// Destroy drops the enclave. It is safe to call more than once.
func (t *Token) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enclave = nil
}
