// Package secure keeps API credentials encrypted in memory between uses.
//
// A Token wraps a memguard enclave. The plaintext only exists inside a locked
// buffer for the duration of a With callback and is wiped afterwards:
//
//	tok, err := secure.NewToken([]byte(raw))
//	if err != nil {
//	    return err
//	}
//	defer tok.Destroy()
//
//	err = tok.With(func(plaintext []byte) error {
//	    req.Header.Set("Authorization", "Bearer "+string(plaintext))
//	    return nil
//	})
//
// If mlock is unavailable (RLIMIT_MEMLOCK on Linux) memguard falls back to
// ordinary memory; the enclave is still encrypted.
package secure
