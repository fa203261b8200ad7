package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pass(name string) Check {
	return func(context.Context) Status {
		return Status{Name: name, Healthy: true}
	}
}

func fail(name, detail string) Check {
	return func(context.Context) Status {
		return Status{Name: name, Healthy: false, Detail: detail}
	}
}

func TestEmptyRegistryIsHealthy(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestAllChecksPassing(t *testing.T) {
	r := NewRegistry()
	r.Register("database", pass("database"))
	r.Register("broker", pass("broker"))

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name)
	assert.Equal(t, "broker", statuses[1].Name)
}

func TestOneFailingCheckFlipsAggregate(t *testing.T) {
	r := NewRegistry()
	r.Register("database", pass("database"))
	r.Register("broker", fail("broker", "connection refused"))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "connection refused", statuses[1].Detail)
}

func TestReRegisterReplacesCheck(t *testing.T) {
	r := NewRegistry()
	r.Register("database", fail("database", "down"))
	r.Register("database", pass("database"))

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Len(t, statuses, 1)
}
