package vm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/logger"
	"github.com/outofforest/vmspace/translation"
)

// NewForTest creates fully initialized manager for unit tests. Translation maps are tracked by returned factory.
func NewForTest(t *testing.T) (*Manager, *translation.TestFactory) {
	factory := translation.NewTestFactory()

	config := DefaultConfig
	config.Buckets = 16
	config.TranslationFactory = factory

	m, err := Init(NewTestContext(), config)
	require.NoError(t, err)
	m.InitPostLocking()

	return m, factory
}

// NewTestContext returns context with logger used in tests.
func NewTestContext() context.Context {
	return logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig))
}

// LockRegistryForTest holds the registry write lock until returned function is called.
func LockRegistryForTest(m *Manager) func() {
	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.registry.RemoveIf(m.config.KernelID, func(*AddressSpace) bool {
			close(locked)
			<-release
			return false
		})
	}()
	<-locked

	return func() {
		close(release)
		<-done
	}
}
