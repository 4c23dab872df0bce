package proxy

import (
	"testing"

	"github.com/moonkev/flexrewrite/internal/common/types"
	"github.com/stretchr/testify/assert"
)

func TestPool_RoundRobin(t *testing.T) {
	pool := NewPool()
	_, ok := pool.Pick("backend")
	assert.False(t, ok)

	pool.UpdateServices([]*types.DiscoveredService{
		{Name: "backend", Instances: []types.ServiceInstance{{Address: "10.0.0.1", Port: 8000}, {Address: "fd00::2", Port: 8000}}},
		{Name: "empty"},
	})

	var picks []string
	for i := 0; i < 3; i++ {
		inst, ok := pool.Pick("backend")
		assert.True(t, ok)
		assert.False(t, inst.TLS)
		picks = append(picks, inst.Addr)
	}
	assert.Equal(t, []string{"10.0.0.1:8000", "[fd00::2]:8000", "10.0.0.1:8000"}, picks)

	_, ok = pool.Pick("empty")
	assert.False(t, ok)

	pool.UpdateServices(nil)
	_, ok = pool.Pick("backend")
	assert.False(t, ok)
}

func TestPool_CarriesProtocolOptions(t *testing.T) {
	pool := NewPool()
	pool.UpdateServices([]*types.DiscoveredService{{
		Name:        "backend",
		EnableTLS:   true,
		EnableHTTP2: true,
		Instances:   []types.ServiceInstance{{Address: "10.0.0.1", Port: 8443}},
	}})

	inst, ok := pool.Pick("backend")
	assert.True(t, ok)
	assert.Equal(t, Instance{Addr: "10.0.0.1:8443", TLS: true, HTTP2: true}, inst)
}
