package testutil

import (
	"slices"
	"sync"
)

// MockRedirector: in-memory редиректор хоста для тестов соединения.
// Записывает вызовы; не трогает hosts файл.
type MockRedirector struct {
	mu         sync.Mutex
	redirected []string
	restored   []string

	// RedirectErr возвращается из Redirect, если задан.
	RedirectErr error
}

// NewMockRedirector создаёт новый MockRedirector.
func NewMockRedirector() *MockRedirector {
	return &MockRedirector{}
}

// Redirect записывает host как перенаправленный.
func (m *MockRedirector) Redirect(host string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RedirectErr != nil {
		return m.RedirectErr
	}
	m.redirected = append(m.redirected, host)
	return nil
}

// Restore записывает host как восстановленный.
func (m *MockRedirector) Restore(host string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.restored = append(m.restored, host)
	return nil
}

// Redirected возвращает копию списка вызовов Redirect.
func (m *MockRedirector) Redirected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.redirected)
}

// Restored возвращает копию списка вызовов Restore.
func (m *MockRedirector) Restored() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.restored)
}

// Active сообщает, остаётся ли host перенаправленным.
func (m *MockRedirector) Active(host string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	redirects := 0
	for _, h := range m.redirected {
		if h == host {
			redirects++
		}
	}
	for _, h := range m.restored {
		if h == host {
			redirects--
		}
	}
	return redirects > 0
}
