package testutil

import (
	"sync"
	"testing"

	"github.com/udisondev/habproxy/internal/constants"
	"github.com/udisondev/habproxy/internal/crypto"
)

// Генерация RSA ключа дорогая, поэтому ключи создаются один раз на процесс.
var (
	rsaOnce sync.Once
	rsaKeys [2]*crypto.RSAKey
	rsaErr  error
)

func loadRSAKeys() {
	for i := range rsaKeys {
		rsaKeys[i], rsaErr = crypto.GenerateRSAKey(constants.TestRSAKeyBits)
		if rsaErr != nil {
			return
		}
	}
}

// ServerRSAKey возвращает приватный ключ "настоящего" игрового сервера.
func ServerRSAKey(t testing.TB) *crypto.RSAKey {
	t.Helper()

	rsaOnce.Do(loadRSAKeys)
	if rsaErr != nil {
		t.Fatalf("generating RSA key: %v", rsaErr)
	}
	return rsaKeys[0]
}

// ProxyRSAKey возвращает приватный ключ прокси (ключ, которому доверяет пропатченный клиент).
// Всегда отличается от ServerRSAKey.
func ProxyRSAKey(t testing.TB) *crypto.RSAKey {
	t.Helper()

	rsaOnce.Do(loadRSAKeys)
	if rsaErr != nil {
		t.Fatalf("generating RSA key: %v", rsaErr)
	}
	return rsaKeys[1]
}

// NewRC4 создаёт RC4 шифр или валит тест.
func NewRC4(t testing.TB, key []byte) *crypto.RC4 {
	t.Helper()

	c, err := crypto.NewRC4(key)
	if err != nil {
		t.Fatalf("creating RC4 cipher: %v", err)
	}
	return c
}
